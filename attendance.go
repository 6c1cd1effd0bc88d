package apiqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend paths for the attendance writes.
const (
	PathAttendance = "/attendance"
	PathPostMood   = "/post-mood"
)

// Mood values accepted by PostMood.
const (
	MoodHappy   = "happy"
	MoodNeutral = "neutral"
	MoodSad     = "sad"
)

// Kinds of mood report.
const (
	KindCheckIn  = "checkin"
	KindCheckOut = "checkout"
)

// isoMillis matches the millisecond ISO-8601 timestamps the backend expects.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// ErrNoStudentID is returned when no student is signed in.
var ErrNoStudentID = errors.New("student id not found")

// StudentIDSource returns the id of the signed-in student.
type StudentIDSource interface {
	StudentID(ctx context.Context) (string, error)
}

// StaticStudentID is a fixed StudentIDSource.
type StaticStudentID string

// StudentID implements StudentIDSource.
func (s StaticStudentID) StudentID(context.Context) (string, error) {
	return string(s), nil
}

// AttendanceClient builds check-in, check-out and mood writes and hands them
// to a dispatcher.
type AttendanceClient struct {
	dispatcher RequestDispatcher
	ids        StudentIDSource
	now        func() time.Time
}

// NewAttendanceClient creates a client over d.
func NewAttendanceClient(d RequestDispatcher, ids StudentIDSource) *AttendanceClient {
	return &AttendanceClient{dispatcher: d, ids: ids, now: time.Now}
}

type attendanceBody struct {
	CheckIn     bool    `json:"check_in"`
	CheckInLat  float64 `json:"check_in_lat"`
	CheckInLong float64 `json:"check_in_long"`
	Timestamp   string  `json:"timestamp"`
}

type moodBody struct {
	Emotion   string `json:"emotion"`
	IsDaily   bool   `json:"is_daily"`
	Timestamp string `json:"timestamp"`
}

type moodInput struct {
	Mood string `validate:"required,oneof=happy neutral sad"`
	Kind string `validate:"required,oneof=checkin checkout"`
}

// CheckIn records a check-in at the given position.
func (c *AttendanceClient) CheckIn(ctx context.Context, lat, long float64) (json.RawMessage, error) {
	return c.postAttendance(ctx, true, lat, long)
}

// CheckOut records a check-out at the given position. The backend reads the
// position from the check_in_* fields for both directions.
func (c *AttendanceClient) CheckOut(ctx context.Context, lat, long float64) (json.RawMessage, error) {
	return c.postAttendance(ctx, false, lat, long)
}

// PostMood reports the student's mood. Check-out moods are the daily ones.
func (c *AttendanceClient) PostMood(ctx context.Context, mood, kind string) (json.RawMessage, error) {
	if err := validate.Struct(moodInput{Mood: mood, Kind: kind}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return c.post(ctx, PathPostMood, moodBody{
		Emotion:   mood,
		IsDaily:   kind == KindCheckOut,
		Timestamp: c.timestamp(),
	})
}

func (c *AttendanceClient) postAttendance(ctx context.Context, checkIn bool, lat, long float64) (json.RawMessage, error) {
	return c.post(ctx, PathAttendance, attendanceBody{
		CheckIn:     checkIn,
		CheckInLat:  lat,
		CheckInLong: long,
		Timestamp:   c.timestamp(),
	})
}

func (c *AttendanceClient) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	headers, err := c.headers(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", path, err)
	}
	return c.dispatcher.Dispatch(ctx, Request{
		URL:     path,
		Method:  "POST",
		Headers: headers,
		Body:    data,
	})
}

func (c *AttendanceClient) headers(ctx context.Context) (map[string]string, error) {
	id, err := c.ids.StudentID(ctx)
	if err != nil {
		return nil, fmt.Errorf("lookup student id: %w", err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNoStudentID
	}
	return map[string]string{
		"accept":       "application/json",
		"student-id":   id,
		"Content-Type": "application/json",
	}, nil
}

func (c *AttendanceClient) timestamp() string {
	return c.now().UTC().Format(isoMillis)
}
