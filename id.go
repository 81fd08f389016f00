package haul

import "github.com/xraph/haul/id"

// ID is the primary identifier type for all haul entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
