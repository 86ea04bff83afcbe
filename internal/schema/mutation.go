package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mutation is one typed pending change to one entity. The closed set of
// implementations below is the only payload shape the queue carries;
// DecodeMutation rejects anything else.
type Mutation interface {
	// Kind returns the mutation variant tag stored on the queue item.
	Kind() MutationKind
	// ReferenceID returns the identifier of the entity the mutation targets.
	ReferenceID() string
}

// CreateMission creates a mission on the remote authority.
type CreateMission struct {
	Mission Mission `json:"mission"`
}

func (m CreateMission) Kind() MutationKind  { return KindCreateMission }
func (m CreateMission) ReferenceID() string { return m.Mission.ID }

// UpdateMission updates a mission on the remote authority.
type UpdateMission struct {
	Mission Mission `json:"mission"`
}

func (m UpdateMission) Kind() MutationKind  { return KindUpdateMission }
func (m UpdateMission) ReferenceID() string { return m.Mission.ID }

// DeleteMission deletes a mission on the remote authority.
type DeleteMission struct {
	ID string `json:"id"`
}

func (m DeleteMission) Kind() MutationKind  { return KindDeleteMission }
func (m DeleteMission) ReferenceID() string { return m.ID }

// CreateCollection creates a property collection on the remote authority.
type CreateCollection struct {
	Collection PropertyCollection `json:"collection"`
}

func (m CreateCollection) Kind() MutationKind  { return KindCreateCollection }
func (m CreateCollection) ReferenceID() string { return m.Collection.ID }

// UpdateCollection updates a property collection on the remote authority.
//
// ExpectedVersion is the remote version this edit was based on. The
// remote authority rejects the mutation with a conflict when its stored
// version no longer matches, which routes the item to the resolver.
type UpdateCollection struct {
	Collection      PropertyCollection `json:"collection"`
	ExpectedVersion int64              `json:"expected_version"`
}

func (m UpdateCollection) Kind() MutationKind  { return KindUpdateCollection }
func (m UpdateCollection) ReferenceID() string { return m.Collection.ID }

// DeleteCollection deletes a property collection on the remote authority.
type DeleteCollection struct {
	ID              string `json:"id"`
	ExpectedVersion int64  `json:"expected_version"`
}

func (m DeleteCollection) Kind() MutationKind  { return KindDeleteCollection }
func (m DeleteCollection) ReferenceID() string { return m.ID }

// UploadPhoto registers a photo with the remote authority. The image
// bytes are pushed from Photo.FilePath by the remote client.
type UploadPhoto struct {
	Photo Photo `json:"photo"`
}

func (m UploadPhoto) Kind() MutationKind  { return KindUploadPhoto }
func (m UploadPhoto) ReferenceID() string { return m.Photo.ID }

// DeletePhoto deletes a photo on the remote authority.
type DeletePhoto struct {
	ID           string `json:"id"`
	CollectionID string `json:"collection_id"`
}

func (m DeletePhoto) Kind() MutationKind  { return KindDeletePhoto }
func (m DeletePhoto) ReferenceID() string { return m.ID }

// EncodeMutation wraps a mutation in a new pending queue item.
//
// The item gets a fresh UUID, a UTC creation timestamp that defines its
// position in the drain order, and zero attempts.
func EncodeMutation(m Mutation) (*SyncQueueItem, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", m.Kind(), err)
	}

	item := &SyncQueueItem{
		ID:          uuid.NewString(),
		Kind:        m.Kind(),
		ReferenceID: m.ReferenceID(),
		Payload:     payload,
		Status:      QueuePending,
		CreatedAt:   time.Now().UTC(),
	}

	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue item: %w", err)
	}
	return item, nil
}

// DecodeMutation unpacks a queue item's payload into its typed variant.
func DecodeMutation(item *SyncQueueItem) (Mutation, error) {
	decode := func(m Mutation) (Mutation, error) {
		if err := json.Unmarshal(item.Payload, m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s payload: %w", item.Kind, err)
		}
		return m, nil
	}

	switch item.Kind {
	case KindCreateMission:
		return decode(&CreateMission{})
	case KindUpdateMission:
		return decode(&UpdateMission{})
	case KindDeleteMission:
		return decode(&DeleteMission{})
	case KindCreateCollection:
		return decode(&CreateCollection{})
	case KindUpdateCollection:
		return decode(&UpdateCollection{})
	case KindDeleteCollection:
		return decode(&DeleteCollection{})
	case KindUploadPhoto:
		return decode(&UploadPhoto{})
	case KindDeletePhoto:
		return decode(&DeletePhoto{})
	default:
		return nil, fmt.Errorf("unknown mutation kind %q", item.Kind)
	}
}

// collectionMetaFields are PropertyCollection JSON keys that carry
// identity or bookkeeping rather than captured form data. They are
// excluded from field-level conflict merging.
var collectionMetaFields = map[string]bool{
	"id":          true,
	"mission_id":  true,
	"version":     true,
	"sync_status": true,
	"created_at":  true,
	"updated_at":  true,
}

// CollectionFields flattens a PropertyCollection to its mutable form
// fields, keyed by JSON name. This is the shape the conflict resolver
// compares and merges.
//
// Fields holding their zero value are omitted, so a field cleared to
// empty reads as unmodified to the resolver. There is no per-field
// change tracking to tell a cleared field from a never-set one.
func CollectionFields(c *PropertyCollection) (map[string]any, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal collection: %w", err)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal collection fields: %w", err)
	}

	for key := range collectionMetaFields {
		delete(fields, key)
	}
	return fields, nil
}

// FieldsFromJSON converts an entity JSON document (such as the remote
// payload in a conflict response) into its mutable field map, stripping
// identity and bookkeeping keys.
func FieldsFromJSON(raw json.RawMessage) (map[string]any, error) {
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity fields: %w", err)
	}
	for key := range collectionMetaFields {
		delete(fields, key)
	}
	return fields, nil
}

// ApplyCollectionFields overwrites a collection's form fields from a
// field map produced by CollectionFields (typically a merged payload).
// Identity and bookkeeping fields on c are preserved.
func ApplyCollectionFields(c *PropertyCollection, fields map[string]any) error {
	merged := make(map[string]any, len(fields))
	for key, value := range fields {
		if collectionMetaFields[key] {
			continue
		}
		merged[key] = value
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal merged fields: %w", err)
	}
	if err := json.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to apply merged fields: %w", err)
	}
	return nil
}
