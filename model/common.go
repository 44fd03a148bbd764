package model

import (
	"fmt"
	"strings"
)

type (
	// ResourceKey addresses a single resource in the store.
	ResourceKey struct {
		Type string
		ID   string
	}

	// Resource is a schemaless JSON resource tree.
	Resource = map[string]any
)

// String implements the stringer interface.
func (k ResourceKey) String() string {
	return k.Type + "/" + k.ID
}

// IsZero checks if key is empty.
func (k ResourceKey) IsZero() bool {
	return k.Type == "" && k.ID == ""
}

// ParseResourceKey parses a "Type/Id" reference string.
func ParseResourceKey(ref string) (ResourceKey, bool) {
	parts := strings.Split(ref, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ResourceKey{}, false
	}
	if !IsResourceTypeName(parts[0]) {
		return ResourceKey{}, false
	}

	return ResourceKey{Type: parts[0], ID: parts[1]}, true
}

// IsResourceTypeName checks if s looks like a resource type ("Patient", "Encounter").
func IsResourceTypeName(s string) bool {
	if s == "" {
		return false
	}
	if s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}

	return true
}

// Method is a pending mutation kind kept by the change ledger.
type Method string

const (
	CreateMethod Method = "CREATE"
	UpdateMethod Method = "UPDATE"
	DeleteMethod Method = "DELETE"
	// LoadMethod marks store changes caused by reading from the server.
	LoadMethod Method = "LOAD"
)

// HTTPMethod returns the HTTP verb used to submit the mutation.
func (m Method) HTTPMethod() string {
	switch m {
	case CreateMethod:
		return "POST"
	case UpdateMethod:
		return "PUT"
	case DeleteMethod:
		return "DELETE"
	}

	return "GET"
}

// SubmitMode defines how pending mutations of a scope are sent.
type SubmitMode string

const (
	DirectSubmitMode      SubmitMode = "direct"
	BatchSubmitMode       SubmitMode = "batch"
	TransactionSubmitMode SubmitMode = "transaction"
)

// Validate checks the mode value.
func (m SubmitMode) Validate() error {
	switch m {
	case DirectSubmitMode, BatchSubmitMode, TransactionSubmitMode:
		return nil
	}

	return fmt.Errorf("submit mode (%s): unknown", m)
}

// IsBundled checks if mode sends mutations as a single bundle.
func (m SubmitMode) IsBundled() bool {
	return m == BatchSubmitMode || m == TransactionSubmitMode
}

// FullURLMode defines how bundle entries are identified by full-URL.
type FullURLMode string

const (
	UUIDFullURLMode FullURLMode = "uuid"
	URLFullURLMode  FullURLMode = "url"
)

// Validate checks the mode value.
func (m FullURLMode) Validate() error {
	switch m {
	case UUIDFullURLMode, URLFullURLMode:
		return nil
	}

	return fmt.Errorf("full url mode (%s): unknown", m)
}

// ScopeConfig is the submission configuration of a single scope.
type ScopeConfig struct {
	Mode    SubmitMode
	FullURL FullURLMode
}

// Validate checks the config and fills defaults.
func (c *ScopeConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = DirectSubmitMode
	}
	if err := c.Mode.Validate(); err != nil {
		return err
	}
	if c.FullURL == "" {
		c.FullURL = UUIDFullURLMode
	}
	if err := c.FullURL.Validate(); err != nil {
		return err
	}
	if c.Mode == TransactionSubmitMode && c.FullURL == URLFullURLMode {
		return fmt.Errorf("full url mode (%s): not supported for %s", c.FullURL, c.Mode)
	}

	return nil
}
