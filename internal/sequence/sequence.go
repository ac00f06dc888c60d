// Package sequence assigns human readable document codes such as SAL-00042.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/shared"
)

// Kind names a numbered document family.
type Kind struct {
	Name   string
	Prefix string
}

var (
	KindSale      = Kind{Name: "SALE", Prefix: "SAL-"}
	KindOrder     = Kind{Name: "ORDER", Prefix: "PO-"}
	KindDelivery  = Kind{Name: "DELIVERY", Prefix: "DLV-"}
	KindStocktake = Kind{Name: "STOCKTAKE", Prefix: "STK-"}
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindSale, KindOrder, KindDelivery, KindStocktake}

// ErrUnknownKind is returned for kind names outside Kinds.
var ErrUnknownKind = errors.New("sequence: unknown kind")

// ParseKind resolves a kind by name, case-insensitively.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(k.Name, strings.TrimSpace(name)) {
			return k, nil
		}
	}
	return Kind{}, fmt.Errorf("%w: %w %q", shared.ErrValidation, ErrUnknownKind, name)
}

// Record is one numbered document as seen by the assigner.
type Record struct {
	ID        uuid.UUID
	Code      string
	Sequence  *int
	CreatedAt time.Time
}

// Assignment is the (sequence, code) pair to persist for a record.
type Assignment struct {
	ID       uuid.UUID
	Sequence int
	Code     string
}

// Store reads and writes numbered records inside the caller's transaction.
type Store interface {
	LockKind(ctx context.Context, tenantID uuid.UUID, kind Kind) error
	ListRecords(ctx context.Context, tenantID uuid.UUID, kind Kind) ([]Record, error)
	UpdateRecord(ctx context.Context, tenantID uuid.UUID, kind Kind, a Assignment) error
}

// Assigner formats and parses codes with a fixed zero padding.
type Assigner struct {
	width    int
	patterns map[string]*regexp.Regexp
}

// NewAssigner builds an Assigner. Width below 1 falls back to 5.
func NewAssigner(width int) *Assigner {
	if width < 1 {
		width = 5
	}
	patterns := make(map[string]*regexp.Regexp, len(Kinds))
	for _, k := range Kinds {
		patterns[k.Name] = prefixPattern(k.Prefix)
	}
	return &Assigner{width: width, patterns: patterns}
}

func prefixPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `(\d+)$`)
}

// Format renders the code of sequence n.
func (a *Assigner) Format(kind Kind, n int) string {
	return fmt.Sprintf("%s%0*d", kind.Prefix, a.width, n)
}

// Parse extracts the number embedded in code, if it carries the kind prefix.
func (a *Assigner) Parse(kind Kind, code string) (int, bool) {
	re, ok := a.patterns[kind.Name]
	if !ok {
		re = prefixPattern(kind.Prefix)
	}
	m := re.FindStringSubmatch(strings.TrimSpace(code))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (a *Assigner) used(kind Kind, r Record) (int, bool) {
	if r.Sequence != nil && *r.Sequence > 0 {
		return *r.Sequence, true
	}
	return a.Parse(kind, r.Code)
}

// NextFrom returns 1 + the highest sequence in use among records.
func (a *Assigner) NextFrom(kind Kind, records []Record) int {
	highest := 0
	for _, r := range records {
		if n, ok := a.used(kind, r); ok && n > highest {
			highest = n
		}
	}
	return highest + 1
}

// Next reserves the next code of kind for tenantID.
func (a *Assigner) Next(ctx context.Context, store Store, tenantID uuid.UUID, kind Kind) (int, string, error) {
	if err := store.LockKind(ctx, tenantID, kind); err != nil {
		return 0, "", err
	}
	records, err := store.ListRecords(ctx, tenantID, kind)
	if err != nil {
		return 0, "", err
	}
	n := a.NextFrom(kind, records)
	return n, a.Format(kind, n), nil
}

// PlanBackfill fills records lacking a sequence with the smallest unused
// positive numbers, oldest record first. Only changed records are returned.
func (a *Assigner) PlanBackfill(kind Kind, records []Record) []Assignment {
	inUse := make(map[int]struct{}, len(records))
	var missing []Record
	var out []Assignment
	for _, r := range records {
		n, ok := a.used(kind, r)
		if !ok {
			missing = append(missing, r)
			continue
		}
		inUse[n] = struct{}{}
		explicit := r.Sequence != nil && *r.Sequence == n
		if !explicit || strings.TrimSpace(r.Code) == "" {
			code := r.Code
			if strings.TrimSpace(code) == "" {
				code = a.Format(kind, n)
			}
			out = append(out, Assignment{ID: r.ID, Sequence: n, Code: code})
		}
	}
	sort.SliceStable(missing, func(i, j int) bool {
		if !missing[i].CreatedAt.Equal(missing[j].CreatedAt) {
			return missing[i].CreatedAt.Before(missing[j].CreatedAt)
		}
		return missing[i].ID.String() < missing[j].ID.String()
	})
	candidate := 1
	for _, r := range missing {
		for {
			if _, taken := inUse[candidate]; !taken {
				break
			}
			candidate++
		}
		inUse[candidate] = struct{}{}
		out = append(out, Assignment{ID: r.ID, Sequence: candidate, Code: a.Format(kind, candidate)})
	}
	return out
}

// Backfill persists PlanBackfill for one tenant and kind and returns the number of rows written.
func (a *Assigner) Backfill(ctx context.Context, store Store, tenantID uuid.UUID, kind Kind) (int, error) {
	if err := store.LockKind(ctx, tenantID, kind); err != nil {
		return 0, err
	}
	records, err := store.ListRecords(ctx, tenantID, kind)
	if err != nil {
		return 0, err
	}
	plan := a.PlanBackfill(kind, records)
	for _, assignment := range plan {
		if err := store.UpdateRecord(ctx, tenantID, kind, assignment); err != nil {
			return 0, fmt.Errorf("update %s %s: %w", kind.Name, assignment.ID, err)
		}
	}
	return len(plan), nil
}
