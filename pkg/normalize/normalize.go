// Package normalize maps a raw ledger API object to the pipeline's
// canonical Update/Event rows. It is the one place cross-version
// schema drift is absorbed; every opaque blob field it produces
// carries the complete original message, byte for byte.
package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/errkind"
	"github.com/bstolman1/ledger-archiver/pkg/log"
	"github.com/bstolman1/ledger-archiver/pkg/types"
)

// Mode selects how the normalizer reacts to an unrecognized update
// kind.
type Mode int

const (
	// ModeStrict fails the record when its kind cannot be resolved.
	ModeStrict Mode = iota
	// ModeLenient logs a warning, preserves the raw blob, and tags the
	// kind as unknown instead of failing.
	ModeLenient
)

// rawUpdate mirrors the subset of the source API's JSON shape the
// normalizer inspects directly; every other field rides along inside
// the preserved raw blob.
type rawUpdate struct {
	UpdateID       string            `json:"update_id"`
	MigrationID    int64             `json:"migration_id"`
	SynchronizerID string            `json:"synchronizer_id"`
	RecordTime     string            `json:"record_time"`
	Offset         int64             `json:"offset"`
	Transaction    json.RawMessage   `json:"transaction"`
	Reassignment   json.RawMessage   `json:"reassignment"`
	Events         []json.RawMessage `json:"events"`
}

// rawEvent is only the named subset of one event's fields, parsed out of
// its own preserved json.RawMessage element in rawUpdate.Events; any
// field it does not name still rides along in that element's raw bytes.
type rawEvent struct {
	EventID        string          `json:"event_id"`
	ContractID     string          `json:"contract_id"`
	TemplateID     string          `json:"template_id"`
	PackageName    string          `json:"package_name"`
	ChildEventIDs  []string        `json:"child_event_ids"`
	CreatedEvent   json.RawMessage `json:"created_event"`
	ArchivedEvent  json.RawMessage `json:"archived_event"`
	ExercisedEvent json.RawMessage `json:"exercised_event"`
}

// Normalize converts one raw update object into a canonical Update and
// its ordered Event tree. raw must be the complete, unparsed original
// message; it is preserved verbatim in the returned Update's UpdateData
// field regardless of how parsing goes downstream.
func Normalize(raw []byte, mode Mode) (types.Update, []types.Event, error) {
	var ru rawUpdate
	if err := json.Unmarshal(raw, &ru); err != nil {
		return types.Update{}, nil, &errkind.SchemaValidationError{
			RecordID: "<unparseable>",
			Field:    "<root>",
			Msg:      err.Error(),
			Strict:   mode == ModeStrict,
		}
	}

	kind, err := resolveKind(ru, mode)
	if err != nil {
		return types.Update{}, nil, err
	}

	recordTime, err := parseLenientUTC(ru.RecordTime)
	if err != nil {
		return types.Update{}, nil, &errkind.SchemaValidationError{
			RecordID: ru.UpdateID,
			Field:    "record_time",
			Msg:      err.Error(),
			Strict:   mode == ModeStrict,
		}
	}

	events := make([]types.Event, 0, len(ru.Events))
	rootIDs := make([]string, 0, len(ru.Events))
	for i, rawElem := range ru.Events {
		ev, err := normalizeEvent(rawElem, ru.UpdateID, ru.MigrationID, i)
		if err != nil {
			if mode == ModeStrict {
				return types.Update{}, nil, err
			}
			continue
		}
		events = append(events, ev)
		rootIDs = append(rootIDs, ev.EventID)
	}

	update := types.Update{
		UpdateID:       ru.UpdateID,
		MigrationID:    ru.MigrationID,
		SynchronizerID: ru.SynchronizerID,
		RecordTime:     recordTime,
		EffectiveAt:    recordTime,
		Offset:         ru.Offset,
		Kind:           kind,
		RootEventIDs:   rootIDs,
		EventCount:     len(events),
		UpdateData:     raw,
	}

	return update, events, nil
}

func resolveKind(ru rawUpdate, mode Mode) (types.UpdateKind, error) {
	switch {
	case len(ru.Transaction) > 0:
		return types.UpdateKindTransaction, nil
	case len(ru.Reassignment) > 0:
		return types.UpdateKindReassignment, nil
	default:
		if mode == ModeStrict {
			return "", &errkind.SchemaValidationError{
				RecordID: ru.UpdateID,
				Field:    "kind",
				Msg:      "neither transaction nor reassignment wrapper present",
				Strict:   true,
			}
		}
		return types.UpdateKindUnknown, nil
	}
}

// normalizeEvent unwraps one of the three nested event-wrapper shapes
// into the flattened (event_type, event_type_original) pair. rawElem is
// the event's complete, unparsed original bytes; it is preserved
// verbatim in the returned Event's RawEvent field regardless of which
// named fields rawEvent below picks out of it, so any field the schema
// does not name (witness parties, node ids, offsets, and anything added
// by a future schema version) still rides along. A missing event_id is
// not fatal: the event is still written, keyed by its fallback
// (update_id, index) identity and flagged with a warning, per the
// normalizer's contract with downstream dedup.
func normalizeEvent(rawElem json.RawMessage, updateID string, migrationID int64, index int) (types.Event, error) {
	var re rawEvent
	if err := json.Unmarshal(rawElem, &re); err != nil {
		return types.Event{}, &errkind.SchemaValidationError{
			RecordID: fmt.Sprintf("%s:%d", updateID, index),
			Field:    "events",
			Msg:      err.Error(),
		}
	}

	eventID := re.EventID
	if eventID == "" {
		eventID = fmt.Sprintf("%s:%d", updateID, index)
		log.Warn(fmt.Sprintf("event %s has no event_id, synthesizing from (update_id, index)", eventID))
	}

	var (
		eventType types.EventType
		original  string
		payload   json.RawMessage
	)
	switch {
	case len(re.CreatedEvent) > 0:
		eventType, original, payload = types.EventTypeCreated, "created_event", re.CreatedEvent
	case len(re.ArchivedEvent) > 0:
		eventType, original, payload = types.EventTypeArchived, "archived_event", re.ArchivedEvent
	case len(re.ExercisedEvent) > 0:
		eventType, original, payload = types.EventTypeExercised, "exercised_event", re.ExercisedEvent
	default:
		return types.Event{}, &errkind.SchemaValidationError{
			RecordID: eventID,
			Field:    "event_type",
			Msg:      "no recognized event wrapper present",
		}
	}

	return types.Event{
		EventID:           eventID,
		UpdateID:          updateID,
		EventType:         eventType,
		EventTypeOriginal: original,
		ContractID:        re.ContractID,
		TemplateID:        re.TemplateID,
		PackageName:       re.PackageName,
		MigrationID:       migrationID,
		ChildEventIDs:     re.ChildEventIDs,
		Payload:           string(payload),
		RawEvent:          append([]byte(nil), rawElem...),
	}, nil
}

// parseLenientUTC parses an ISO-8601 timestamp, treating the absence
// of a timezone offset as UTC rather than the local zone.
func parseLenientUTC(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}

	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
