// Package tasks implements the create_task action on top of a task tracker.
package tasks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/szaher/assistantgpt/internal/action"
)

// Name is the action name exposed to the model.
const Name = "create_task"

// Priority follows the tracker convention: 1 urgent, 2 high, 3 normal,
// 4 low; 0 leaves it unset.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityUrgent
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// TaskRequest is what the executor sends to the tracker.
type TaskRequest struct {
	Title       string
	Description string
	Due         *time.Time
	DueHasTime  bool
	Priority    Priority
	Tags        []string
}

// TaskResult identifies the created task.
type TaskResult struct {
	ID  string `json:"task_id"`
	URL string `json:"url,omitempty"`
}

// Tracker creates tasks in an external system. Assignee and destination
// list are part of the tracker's own configuration.
type Tracker interface {
	CreateTask(ctx context.Context, req TaskRequest) (TaskResult, error)
}

// Args are the arguments of create_task.
type Args struct {
	Title       string   `json:"title" jsonschema:"minLength=1,description=Short task title"`
	Description string   `json:"description,omitempty" jsonschema:"description=Task details"`
	DueDate     string   `json:"due_date,omitempty" jsonschema:"description=Due date as YYYY-MM-DD or RFC 3339 or unix milliseconds; compute it with compute_date"`
	DueHasTime  bool     `json:"due_has_time,omitempty" jsonschema:"description=Whether the due date carries a meaningful time of day"`
	Priority    int      `json:"priority,omitempty" jsonschema:"minimum=0,maximum=4,description=0 none; 1 urgent; 2 high; 3 normal; 4 low"`
	Tags        []string `json:"tags,omitempty" jsonschema:"description=Tags to attach"`
}

// Executor runs create_task against a Tracker.
type Executor struct {
	tracker Tracker
	loc     *time.Location
}

// NewExecutor creates the create_task executor. Date-only due dates are
// interpreted in loc.
func NewExecutor(tracker Tracker, loc *time.Location) *Executor {
	if loc == nil {
		loc = time.UTC
	}
	return &Executor{tracker: tracker, loc: loc}
}

// Spec returns the action declaration.
func Spec() action.Spec {
	return action.Spec{
		Name: Name,
		Description: "Create a task in the user's task list. " +
			"Resolve relative due dates with compute_date first.",
		Schema: action.SchemaFor[Args](),
	}
}

// Execute implements action.Executor. The tracker is called at most once.
func (e *Executor) Execute(ctx context.Context, raw map[string]any) action.Outcome {
	args, err := action.Decode[Args](raw)
	if err != nil {
		return action.FromError(err)
	}
	req, err := e.request(args)
	if err != nil {
		return action.FromError(err)
	}

	res, err := e.tracker.CreateTask(ctx, req)
	if err != nil {
		return action.Failure(action.KindExternalError, fmt.Sprintf("create task: %v", err))
	}
	return action.Success(res)
}

func (e *Executor) request(args Args) (TaskRequest, error) {
	title := strings.TrimSpace(args.Title)
	if title == "" {
		return TaskRequest{}, action.InvalidArgumentsf("title must not be empty")
	}
	if args.Priority < int(PriorityNone) || args.Priority > int(PriorityLow) {
		return TaskRequest{}, action.InvalidArgumentsf("priority must be between 0 and 4, got %d", args.Priority)
	}

	req := TaskRequest{
		Title:       title,
		Description: args.Description,
		DueHasTime:  args.DueHasTime,
		Priority:    Priority(args.Priority),
	}
	for _, tag := range args.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			req.Tags = append(req.Tags, tag)
		}
	}

	if s := strings.TrimSpace(args.DueDate); s != "" {
		due, hasTime, err := ParseDue(s, e.loc)
		if err != nil {
			return TaskRequest{}, err
		}
		req.Due = &due
		req.DueHasTime = args.DueHasTime || hasTime
	}
	return req, nil
}

// ParseDue accepts YYYY-MM-DD, RFC 3339 or unix milliseconds. The boolean
// reports whether the input carried a time of day.
func ParseDue(s string, loc *time.Location) (time.Time, bool, error) {
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, false, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).In(loc), false, nil
	}
	return time.Time{}, false, action.InvalidArgumentsf("due_date must be YYYY-MM-DD, RFC 3339 or unix milliseconds, got %q", s)
}
