package experiment

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sells-group/variant-optimizer/internal/apperr"
	"github.com/sells-group/variant-optimizer/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateRequest describes a new experiment and its variants.
type CreateRequest struct {
	OwnerID  string                 `json:"owner_id" validate:"required,max=255"`
	Name     string                 `json:"name" validate:"required,max=255"`
	Type     model.ExperimentType   `json:"type" validate:"omitempty,oneof=web funnel email ads"`
	Status   model.ExperimentStatus `json:"status" validate:"omitempty,oneof=draft active paused"`
	Strategy string                 `json:"strategy" validate:"max=64"`
	Variants []model.NewVariant     `json:"variants" validate:"min=2,unique=Name,dive"`
	Config   map[string]any         `json:"config"`
}

// AllocateRequest asks for a subject's variant.
type AllocateRequest struct {
	ExperimentID string         `json:"experiment_id" validate:"required"`
	Subject      string         `json:"subject" validate:"required,max=512"`
	SessionID    string         `json:"session_id,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// ConversionRequest records a subject's conversion.
type ConversionRequest struct {
	ExperimentID string         `json:"experiment_id" validate:"required"`
	Subject      string         `json:"subject" validate:"required,max=512"`
	Value        float64        `json:"value"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Validate checks req against its struct tags.
func Validate(req any) error {
	if err := validate.Struct(req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make([]string, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, fe.Namespace()+" ("+fe.Tag()+")")
			}
			return apperr.New(apperr.InvalidArgument, "experiment: invalid request: %s", strings.Join(fields, ", "))
		}
		return apperr.Wrap(err, apperr.InvalidArgument, "experiment: invalid request")
	}
	return nil
}
