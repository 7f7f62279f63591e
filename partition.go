package envelope

import (
	"fmt"
	"strings"
)

// partition names the system and intermediate keys belonging to a single
// tenant/data-owner within a service and product.
type partition interface {
	SystemKeyID() string
	IntermediateKeyID() string
	IsValidIntermediateKeyID(id string) bool
}

func newPartition(id, service, product string) defaultPartition {
	return defaultPartition{id: id, service: service, product: product}
}

// defaultPartition is the standard partition-naming scheme.
type defaultPartition struct {
	id      string
	service string
	product string
}

// SystemKeyID returns the system key name shared by every partition of this
// service/product.
func (p defaultPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s", p.service, p.product)
}

// IntermediateKeyID returns this partition's intermediate key name.
func (p defaultPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s", p.id, p.service, p.product)
}

// IsValidIntermediateKeyID reports whether id names this partition's
// intermediate key.
func (p defaultPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID()
}

func newSuffixedPartition(id, service, product, suffix string) suffixedPartition {
	return suffixedPartition{
		defaultPartition: defaultPartition{id: id, service: service, product: product},
		suffix:           suffix,
	}
}

// suffixedPartition appends a region (or other deployment) suffix to key
// names, used when a Metastore spans multiple regions so that each
// region's keys can be told apart.
type suffixedPartition struct {
	defaultPartition
	suffix string
}

// SystemKeyID returns this region's system key name.
func (p suffixedPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s_%s", p.service, p.product, p.suffix)
}

// IntermediateKeyID returns this region's intermediate key name for the
// partition.
func (p suffixedPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s_%s", p.id, p.service, p.product, p.suffix)
}

// IsValidIntermediateKeyID accepts this region's own intermediate key ID as
// well as any other region's ID for the same partition, since a record
// written in one region must remain decryptable after failover to another.
func (p suffixedPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID() || strings.Index(id, p.defaultPartition.IntermediateKeyID()) == 0
}
