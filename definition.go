package txkit

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Propagation decides how a requested transaction relates to an active one
type Propagation int

const (
	// PropagationRequired joins the current transaction or begins a new one
	PropagationRequired Propagation = iota
	// PropagationSupports joins the current transaction or runs without one
	PropagationSupports
	// PropagationMandatory joins the current transaction and fails without one
	PropagationMandatory
	// PropagationRequiresNew suspends the current transaction and begins a new one
	PropagationRequiresNew
	// PropagationNotSupported suspends the current transaction and runs without one
	PropagationNotSupported
	// PropagationNever runs without a transaction and fails if one is active
	PropagationNever
	// PropagationNested runs within a savepoint of the current transaction,
	// or begins a new one if there is none
	PropagationNested
)

var propagationNames = [...]string{
	"required", "supports", "mandatory", "requires_new", "not_supported", "never", "nested",
}

func (p Propagation) String() string {
	if p < 0 || int(p) >= len(propagationNames) {
		return fmt.Sprintf("propagation(%d)", int(p))
	}
	return propagationNames[p]
}

// TimeoutDefault leaves the timeout to the manager's default
const TimeoutDefault = -1

// Definition is an immutable transaction request.
// Build it with NewDefinition or one of the presets.
type Definition struct {
	propagation Propagation
	isolation   sql.IsolationLevel
	timeout     int
	readOnly    bool
	name        string
}

// DefinitionOption configures a Definition
type DefinitionOption func(*Definition)

// WithPropagation sets the propagation behavior
func WithPropagation(p Propagation) DefinitionOption {
	return func(d *Definition) { d.propagation = p }
}

// WithIsolation sets the isolation level
func WithIsolation(level sql.IsolationLevel) DefinitionOption {
	return func(d *Definition) { d.isolation = level }
}

// WithTimeout sets the timeout in seconds
func WithTimeout(seconds int) DefinitionOption {
	return func(d *Definition) { d.timeout = seconds }
}

// WithReadOnly marks the transaction read-only
func WithReadOnly(readOnly bool) DefinitionOption {
	return func(d *Definition) { d.readOnly = readOnly }
}

// WithName names the transaction
func WithName(name string) DefinitionOption {
	return func(d *Definition) { d.name = name }
}

var validate = validator.New()

// definitionRules mirrors Definition for struct tag validation.
// Isolation is limited to Default, ReadUncommitted, ReadCommitted,
// RepeatableRead and Serializable.
type definitionRules struct {
	Propagation int `validate:"gte=0,lte=6"`
	Isolation   int `validate:"oneof=0 1 2 4 6"`
	Timeout     int `validate:"gte=-1"`
}

// NewDefinition builds a validated Definition. Defaults: Required, default
// isolation, TimeoutDefault, read-write, unnamed.
func NewDefinition(opts ...DefinitionOption) (Definition, error) {
	d := Definition{
		propagation: PropagationRequired,
		isolation:   sql.LevelDefault,
		timeout:     TimeoutDefault,
	}
	for _, opt := range opts {
		opt(&d)
	}
	if err := d.validate(); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// MustDefinition is like NewDefinition but panics on invalid options
func MustDefinition(opts ...DefinitionOption) Definition {
	d, err := NewDefinition(opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Definition) validate() error {
	err := validate.Struct(definitionRules{
		Propagation: int(d.propagation),
		Isolation:   int(d.isolation),
		Timeout:     d.timeout,
	})
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			switch fe.Field() {
			case "Timeout":
				return &Error{
					Code:    CodeInvalidTimeout,
					Op:      "NewDefinition",
					Message: fmt.Sprintf("invalid transaction timeout %d", d.timeout),
				}
			case "Isolation":
				return &Error{
					Code:    CodeInvalidDefinition,
					Op:      "NewDefinition",
					Message: fmt.Sprintf("unsupported isolation level %s", d.isolation),
				}
			case "Propagation":
				return &Error{
					Code:    CodeInvalidDefinition,
					Op:      "NewDefinition",
					Message: fmt.Sprintf("unknown %s", d.propagation),
				}
			}
		}
	}
	return &Error{Code: CodeInvalidDefinition, Op: "NewDefinition", Message: "invalid definition", Cause: err}
}

// Propagation returns the propagation behavior
func (d Definition) Propagation() Propagation { return d.propagation }

// Isolation returns the requested isolation level
func (d Definition) Isolation() sql.IsolationLevel { return d.isolation }

// Timeout returns the timeout in seconds, or TimeoutDefault
func (d Definition) Timeout() int { return d.timeout }

// ReadOnly reports whether the transaction is read-only
func (d Definition) ReadOnly() bool { return d.readOnly }

// Name returns the transaction name, possibly empty
func (d Definition) Name() string { return d.name }

// TxOptions returns the definition as database/sql options
func (d Definition) TxOptions() sql.TxOptions {
	return sql.TxOptions{Isolation: d.isolation, ReadOnly: d.readOnly}
}

// DefaultDefinition returns the default definition: Required, read-write
func DefaultDefinition() Definition {
	return MustDefinition()
}

// RequiredDefinition returns a Required definition
func RequiredDefinition() Definition {
	return MustDefinition(WithPropagation(PropagationRequired))
}

// SupportsDefinition returns a Supports definition
func SupportsDefinition() Definition {
	return MustDefinition(WithPropagation(PropagationSupports))
}

// ReadOnlyDefinition returns a read-only Required definition
func ReadOnlyDefinition() Definition {
	return MustDefinition(WithReadOnly(true))
}

// RequiresNewDefinition returns a RequiresNew definition
func RequiresNewDefinition() Definition {
	return MustDefinition(WithPropagation(PropagationRequiresNew))
}

// NestedDefinition returns a Nested definition
func NestedDefinition() Definition {
	return MustDefinition(WithPropagation(PropagationNested))
}

// SerializableDefinition returns a Required definition with serializable isolation
func SerializableDefinition() Definition {
	return MustDefinition(WithIsolation(sql.LevelSerializable))
}
