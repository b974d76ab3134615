package handlers

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/gotrainer/internal/assets/schemas"
	apperrors "github.com/3leaps/gotrainer/internal/errors"
)

// ErrSchemaUnavailable indicates an embedded schema failed to compile.
var ErrSchemaUnavailable = errors.New("request schema unavailable")

// FieldError is one schema violation.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type compiledSchema struct {
	name string
	raw  []byte
	once sync.Once
	v    *schema.Validator
	err  error
}

func (c *compiledSchema) validator() (*schema.Validator, error) {
	c.once.Do(func() {
		if len(c.raw) == 0 {
			c.err = fmt.Errorf("%w: embedded %s schema is empty", ErrSchemaUnavailable, c.name)
			return
		}
		c.v, c.err = schema.NewValidator(c.raw)
		if c.err != nil {
			c.err = fmt.Errorf("%w: compile %s schema: %v", ErrSchemaUnavailable, c.name, c.err)
		}
	})
	return c.v, c.err
}

var (
	trainingRequestSchema = &compiledSchema{name: "training-request", raw: schemasassets.TrainingRequestSchema}
	statusUpdateSchema    = &compiledSchema{name: "status-update", raw: schemasassets.StatusUpdateSchema}
)

// validateBody checks raw JSON against a schema. Violations are returned as
// an INVALID_INPUT error whose details list the failing pointers.
func validateBody(c *compiledSchema, body []byte) error {
	v, err := c.validator()
	if err != nil {
		return err
	}
	diags, err := v.ValidateJSON(body)
	if err != nil {
		return apperrors.NewInvalidInput("Request body is not valid JSON")
	}

	var fields []FieldError
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		path := d.Pointer
		if path == "" {
			path = "/"
		}
		fields = append(fields, FieldError{Path: path, Message: d.Message})
	}
	if len(fields) == 0 {
		return nil
	}
	msg := fmt.Sprintf("Request body failed validation: %s: %s", fields[0].Path, fields[0].Message)
	if len(fields) > 1 {
		msg = fmt.Sprintf("Request body failed validation with %d errors", len(fields))
	}
	return apperrors.NewInvalidInput(msg).WithDetails("errors", fields)
}
