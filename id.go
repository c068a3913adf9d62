package docflow

import "github.com/xraph/docflow/id"

// ID is the primary identifier type for all Docflow entities.
type ID = id.ID

// Prefix identifies the entity type encoded in an ID.
type Prefix = id.Prefix
