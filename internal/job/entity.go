// ABOUTME: EntityRef, the opaque persisted-entity locator used in job parameters.
// ABOUTME: Wire form is {"$entity": "kind/uuid"}; the zero ref encodes as null.
package job

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntityRef is a reference to a persisted entity, serialized as an opaque
// locator string ("kind/uuid") wrapped in a distinguished JSON object:
//
//	{"$entity": "user/6f1c..."}
//
// Parameters referencing entities use this type instead of raw foreign keys
// so they round-trip without coupling to entity internals.
type EntityRef struct {
	Kind string
	ID   uuid.UUID
}

// NewEntityRef builds a reference to the entity of the given kind and id.
func NewEntityRef(kind string, id uuid.UUID) EntityRef {
	return EntityRef{Kind: kind, ID: id}
}

// Locator returns the opaque locator string for the referenced entity.
func (r EntityRef) Locator() string {
	return r.Kind + "/" + r.ID.String()
}

// IsZero reports whether r references nothing.
func (r EntityRef) IsZero() bool {
	return r.Kind == "" && r.ID == uuid.Nil
}

// ParseLocator decodes a locator string produced by [EntityRef.Locator].
func ParseLocator(s string) (EntityRef, error) {
	kind, rawID, ok := strings.Cut(s, "/")
	if !ok || kind == "" {
		return EntityRef{}, fmt.Errorf("malformed entity locator %q", s)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return EntityRef{}, fmt.Errorf("malformed entity locator %q: %w", s, err)
	}
	return EntityRef{Kind: kind, ID: id}, nil
}

// entityEnvelope is the wire form of an EntityRef inside job parameters.
type entityEnvelope struct {
	Locator string `json:"$entity"`
}

// MarshalJSON encodes r as {"$entity": "kind/uuid"}. The zero ref encodes as
// null so job types with unset EntityRef fields still round-trip — registry
// validation marshals the factory's zero value.
func (r EntityRef) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	if r.Kind == "" {
		return nil, fmt.Errorf("entity ref: empty kind")
	}
	return json.Marshal(entityEnvelope{Locator: r.Locator()})
}

// UnmarshalJSON decodes the {"$entity": ...} envelope; null decodes to the
// zero ref.
func (r *EntityRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = EntityRef{}
		return nil
	}
	var env entityEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return fmt.Errorf("entity ref: %w", err)
	}
	if env.Locator == "" {
		return fmt.Errorf("entity ref: missing $entity locator")
	}
	ref, err := ParseLocator(env.Locator)
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

// Resolver loads the entity behind a reference. procq does not interpret
// entities itself; the embedding application wires a Resolver into its job
// types as needed.
type Resolver interface {
	Resolve(ref EntityRef) (any, error)
}
