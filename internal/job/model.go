package job

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled}

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("job not found")
	ErrTerminal          = errors.New("job already in terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// transitions is the job state machine. Terminal statuses have no entry.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
}

// ManualPropertyData holds the optional attributes a user typed in for a listing.
// Zero values mean "not provided".
type ManualPropertyData struct {
	PropertyType       string  `json:"property_type,omitempty" yaml:"property_type" validate:"max=100"`
	Bedrooms           int     `json:"bedrooms,omitempty" yaml:"bedrooms" validate:"gte=0,lte=100"`
	Bathrooms          float64 `json:"bathrooms,omitempty" yaml:"bathrooms" validate:"gte=0,lte=100"`
	SquareFeet         int     `json:"square_feet,omitempty" yaml:"square_feet" validate:"gte=0"`
	YearBuilt          int     `json:"year_built,omitempty" yaml:"year_built" validate:"omitempty,gte=1600,lte=2200"`
	LotSize            string  `json:"lot_size,omitempty" yaml:"lot_size" validate:"max=100"`
	Price              string  `json:"price,omitempty" yaml:"price" validate:"max=100"`
	LocationDetails    string  `json:"location_details,omitempty" yaml:"location_details" validate:"max=2000"`
	ListingDescription string  `json:"listing_description,omitempty" yaml:"listing_description" validate:"max=10000"`
	AdditionalNotes    string  `json:"additional_notes,omitempty" yaml:"additional_notes" validate:"max=5000"`
}

// PropertyInput is the immutable description of the property a job analyses.
type PropertyInput struct {
	Address    string              `json:"property_address"`
	Title      string              `json:"property_title"`
	ManualData *ManualPropertyData `json:"manual_data,omitempty"`
}

// Job is one analysis request and its evolving state.
type Job struct {
	ID                  string         `json:"id"`
	Owner               string         `json:"-"`
	Input               PropertyInput  `json:"input"`
	Status              Status         `json:"status"`
	Progress            int            `json:"progress"`
	CurrentSection      string         `json:"current_section,omitempty"`
	Results             map[string]any `json:"results"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
	Revision            int64          `json:"revision"`
}

// New builds a pending job for owner. estimate is the advisory processing time.
func New(id, owner string, in PropertyInput, estimate time.Duration) *Job {
	now := time.Now().UTC()
	eta := now.Add(estimate)
	if in.Title == "" {
		in.Title = in.Address
	}
	return &Job{
		ID:                  id,
		Owner:               owner,
		Input:               in,
		Status:              StatusPending,
		Results:             make(map[string]any),
		CreatedAt:           now,
		UpdatedAt:           now,
		EstimatedCompletion: &eta,
	}
}

// Transition moves the job to next if the state machine allows it.
func (j *Job) Transition(next Status) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, j.Status)
	}
	for _, s := range transitions[j.Status] {
		if s == next {
			j.Status = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
}

// Clone returns a copy that shares no mutable state with j.
// Section payloads are treated as immutable once stored, so they are copied by reference.
func (j *Job) Clone() *Job {
	c := *j
	c.Results = maps.Clone(j.Results)
	if c.Results == nil {
		c.Results = make(map[string]any)
	}
	if j.Input.ManualData != nil {
		md := *j.Input.ManualData
		c.Input.ManualData = &md
	}
	if j.EstimatedCompletion != nil {
		t := *j.EstimatedCompletion
		c.EstimatedCompletion = &t
	}
	return &c
}

// CreateRequest is the payload used to submit a new analysis.
type CreateRequest struct {
	PropertyAddress string              `json:"property_address" validate:"required,max=500"`
	PropertyTitle   string              `json:"property_title,omitempty" validate:"max=500"`
	ManualData      *ManualPropertyData `json:"manual_data,omitempty"`
	CallbackURL     string              `json:"callback_url,omitempty" validate:"omitempty,url,max=2048"`
	Save            bool                `json:"save,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (r *CreateRequest) Validate() error {
	r.PropertyAddress = strings.TrimSpace(r.PropertyAddress)
	r.PropertyTitle = strings.TrimSpace(r.PropertyTitle)
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s", ErrInvalidInput, fieldMessage(verrs[0]))
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Input converts the request into the immutable job input.
func (r *CreateRequest) Input() PropertyInput {
	return PropertyInput{
		Address:    r.PropertyAddress,
		Title:      r.PropertyTitle,
		ManualData: r.ManualData,
	}
}

func fieldMessage(e validator.FieldError) string {
	field := jsonName(e.Namespace())
	switch e.Tag() {
	case "required":
		return field + " is required"
	case "url":
		return field + " must be a valid URL"
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s is out of range", field)
	}
	return fmt.Sprintf("%s is invalid (%s)", field, e.Tag())
}

// jsonName maps a validator namespace such as CreateRequest.ManualData.YearBuilt
// to the snake_case field path clients send.
func jsonName(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		var sb strings.Builder
		for k, r := range p {
			if r >= 'A' && r <= 'Z' {
				if k > 0 {
					sb.WriteByte('_')
				}
				r += 'a' - 'A'
			}
			sb.WriteRune(r)
		}
		parts[i] = sb.String()
	}
	return strings.Join(parts, ".")
}
