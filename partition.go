package strongbox

import (
	"fmt"
	"strings"
)

// partition derives the deterministic SK/IK identifiers for a session's
// partition (spec §3/C3).
type partition interface {
	SystemKeyID() string
	IntermediateKeyID() string
	IsValidIntermediateKeyID(id string) bool
}

// defaultPartition is the unsuffixed partition naming scheme.
type defaultPartition struct {
	id      string
	service string
	product string
}

func newPartition(id, service, product string) defaultPartition {
	return defaultPartition{id: id, service: service, product: product}
}

func (p defaultPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s", p.service, p.product)
}

func (p defaultPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s", p.id, p.service, p.product)
}

// IsValidIntermediateKeyID accepts only this partition's exact IK id; an
// unsuffixed partition has no cross-region compatibility concern.
func (p defaultPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID()
}

// suffixedPartition appends a region suffix to both SK and IK ids on write,
// but accepts an unsuffixed id or any other-suffixed id on read so that
// data written before region suffixes were enabled, or in another region,
// can still be decrypted (spec §3 cross-region compatibility invariant).
type suffixedPartition struct {
	defaultPartition
	suffix string
}

func newSuffixedPartition(id, service, product, suffix string) suffixedPartition {
	return suffixedPartition{
		defaultPartition: defaultPartition{id: id, service: service, product: product},
		suffix:           suffix,
	}
}

func (p suffixedPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s_%s", p.service, p.product, p.suffix)
}

func (p suffixedPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s_%s", p.id, p.service, p.product, p.suffix)
}

// IsValidIntermediateKeyID accepts this partition's own suffixed id, the
// unsuffixed id, or any id suffixed with something else, matching spec §3:
// "A suffixed partition MUST accept an unsuffixed ID and any other-suffixed
// ID as a valid IK for read".
func (p suffixedPartition) IsValidIntermediateKeyID(id string) bool {
	unsuffixed := p.defaultPartition.IntermediateKeyID()

	if id == unsuffixed {
		return true
	}

	if id == p.IntermediateKeyID() {
		return true
	}

	// any-other-suffix match: id must be unsuffixed + "_" + <some suffix>,
	// with no further separators (a different partition/service/product
	// sharing the unsuffixed prefix as a literal substring must not match).
	prefix := unsuffixed + "_"
	if !strings.HasPrefix(id, prefix) {
		return false
	}

	rest := id[len(prefix):]

	return len(rest) > 0 && !strings.Contains(rest, "_")
}
