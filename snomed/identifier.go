package snomed

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// SCTID partition identifiers (short format, international namespace).
const (
	PartitionConcept      = "00"
	PartitionDescription  = "01"
	PartitionRelationship = "02"
)

// Verhoeff dihedral group tables.
var (
	verhoeffD = [10][10]int{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{1, 2, 3, 4, 0, 6, 7, 8, 9, 5},
		{2, 3, 4, 0, 1, 7, 8, 9, 5, 6},
		{3, 4, 0, 1, 2, 8, 9, 5, 6, 7},
		{4, 0, 1, 2, 3, 9, 5, 6, 7, 8},
		{5, 9, 8, 7, 6, 0, 4, 3, 2, 1},
		{6, 5, 9, 8, 7, 1, 0, 4, 3, 2},
		{7, 6, 5, 9, 8, 2, 1, 0, 4, 3},
		{8, 7, 6, 5, 9, 3, 2, 1, 0, 4},
		{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
	}
	verhoeffP = [8][10]int{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{1, 5, 7, 6, 2, 8, 3, 0, 9, 4},
		{5, 8, 0, 3, 7, 9, 6, 1, 4, 2},
		{8, 9, 1, 6, 0, 4, 3, 5, 2, 7},
		{9, 4, 5, 3, 1, 2, 6, 8, 7, 0},
		{4, 2, 8, 6, 5, 7, 3, 9, 0, 1},
		{2, 7, 9, 3, 8, 0, 6, 4, 1, 5},
		{7, 0, 4, 6, 9, 1, 3, 2, 5, 8},
	}
	verhoeffInv = [10]int{0, 4, 3, 2, 1, 5, 6, 7, 8, 9}
)

// VerhoeffCheckDigit computes the check digit for the given digit string.
func VerhoeffCheckDigit(digits string) (int, error) {
	c := 0
	pos := 1
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if d < 0 || d > 9 {
			return 0, fmt.Errorf("%w: non-digit in sctid %q", ErrInvalidArgument, digits)
		}
		c = verhoeffD[c][verhoeffP[pos%8][d]]
		pos++
	}
	return verhoeffInv[c], nil
}

// VerifySCTID checks length, partition and check digit of an SCTID.
func VerifySCTID(sctid string) error {
	if len(sctid) < 6 || len(sctid) > 18 {
		return fmt.Errorf("%w: sctid %q length", ErrInvalidArgument, sctid)
	}
	check, err := VerhoeffCheckDigit(sctid[:len(sctid)-1])
	if err != nil {
		return err
	}
	if int(sctid[len(sctid)-1]-'0') != check {
		return fmt.Errorf("%w: sctid %q check digit", ErrInvalidArgument, sctid)
	}
	return nil
}

// PartitionOf returns the two-digit partition identifier of an SCTID.
func PartitionOf(sctid string) string {
	if len(sctid) < 3 {
		return ""
	}
	return sctid[len(sctid)-3 : len(sctid)-1]
}

// IdentifierSource reserves SCTIDs for new components. A remote CIS-backed
// implementation plugs in here; RegisterIDs reports the ids actually
// persisted so the external registry can be updated after the commit.
type IdentifierSource interface {
	ReserveIDs(ctx context.Context, partition string, quantity int) ([]string, error)
	RegisterIDs(ctx context.Context, partition string, ids []string) error
}

// LocalIdentifierSource hands out sequential item ids per partition.
// Suitable for single-node deployments and tests.
type LocalIdentifierSource struct {
	mu   sync.Mutex
	next map[string]int64
}

func NewLocalIdentifierSource() *LocalIdentifierSource {
	return &LocalIdentifierSource{next: map[string]int64{
		PartitionConcept:      100001,
		PartitionDescription:  100001,
		PartitionRelationship: 100001,
	}}
}

var _ IdentifierSource = (*LocalIdentifierSource)(nil)

func (s *LocalIdentifierSource) ReserveIDs(ctx context.Context, partition string, quantity int) ([]string, error) {
	switch partition {
	case PartitionConcept, PartitionDescription, PartitionRelationship:
	default:
		return nil, fmt.Errorf("%w: unknown partition %q", ErrInvalidArgument, partition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, quantity)
	for i := 0; i < quantity; i++ {
		item := s.next[partition]
		s.next[partition]++
		body := strconv.FormatInt(item, 10) + partition
		check, err := VerhoeffCheckDigit(body)
		if err != nil {
			return nil, err
		}
		ids = append(ids, body+strconv.Itoa(check))
	}
	return ids, nil
}

// RegisterIDs is a no-op for the local source; ids are durable once handed out.
func (s *LocalIdentifierSource) RegisterIDs(ctx context.Context, partition string, ids []string) error {
	return nil
}
