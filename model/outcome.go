package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type (
	// OperationOutcome is the server error payload.
	OperationOutcome struct {
		ResourceType string  `json:"resourceType"`
		Issue        []Issue `json:"issue"`
	}

	Issue struct {
		Severity    string `json:"severity"`
		Code        string `json:"code"`
		Diagnostics string `json:"diagnostics,omitempty"`
	}
)

// NewOperationOutcome builds a single-issue OperationOutcome.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: OperationOutcomeResourceType,
		Issue: []Issue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// Resource converts the outcome to a generic resource tree.
func (o *OperationOutcome) Resource() Resource {
	issues := make([]any, 0, len(o.Issue))
	for _, issue := range o.Issue {
		item := Resource{
			"severity": issue.Severity,
			"code":     issue.Code,
		}
		if issue.Diagnostics != "" {
			item["diagnostics"] = issue.Diagnostics
		}
		issues = append(issues, item)
	}

	return Resource{
		"resourceType": OperationOutcomeResourceType,
		"issue":        issues,
	}
}

// ParseOperationOutcome extracts an OperationOutcome from an HTTP response body.
// Returns nil if body is not an OperationOutcome.
func ParseOperationOutcome(raw []byte) *OperationOutcome {
	if len(raw) == 0 {
		return nil
	}
	outcome := &OperationOutcome{}
	if err := json.Unmarshal(raw, outcome); err != nil {
		return nil
	}
	if outcome.ResourceType != OperationOutcomeResourceType {
		return nil
	}

	return outcome
}

// OutcomeFromResource converts a generic resource tree into an OperationOutcome.
func OutcomeFromResource(res Resource) *OperationOutcome {
	if res == nil || res["resourceType"] != OperationOutcomeResourceType {
		return nil
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil
	}

	return ParseOperationOutcome(raw)
}

// WeakETag formats a version id as a weak validator (W/"3").
func WeakETag(versionID string) string {
	if versionID == "" {
		return ""
	}

	return `W/"` + versionID + `"`
}

// ParseETag extracts a version id from an ETag header value.
func ParseETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")

	return strings.Trim(etag, `"`)
}

// ParseLocation splits a location ([base/]Type/Id[/_history/Version]) into key and version.
func ParseLocation(location string) (ResourceKey, string, error) {
	location = strings.TrimSuffix(location, "/")
	parts := strings.Split(location, "/")

	version := ""
	if len(parts) >= 4 && parts[len(parts)-2] == "_history" {
		version = parts[len(parts)-1]
		parts = parts[:len(parts)-2]
	}
	if len(parts) < 2 {
		return ResourceKey{}, "", fmt.Errorf("location (%s): Type/Id expected", location)
	}

	key := ResourceKey{Type: parts[len(parts)-2], ID: parts[len(parts)-1]}
	if !IsResourceTypeName(key.Type) || key.ID == "" {
		return ResourceKey{}, "", fmt.Errorf("location (%s): Type/Id expected", location)
	}

	return key, version, nil
}

// VersionID reads meta.versionId of a resource.
func VersionID(res Resource) string {
	meta, ok := res["meta"].(map[string]any)
	if !ok {
		return ""
	}
	switch v := meta["versionId"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}

	return ""
}
