package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type BundleType string

const (
	BatchBundleType               BundleType = "batch"
	TransactionBundleType         BundleType = "transaction"
	BatchResponseBundleType       BundleType = "batch-response"
	TransactionResponseBundleType BundleType = "transaction-response"
	SearchSetBundleType           BundleType = "searchset"
	CollectionBundleType          BundleType = "collection"
)

const (
	BundleResourceType           = "Bundle"
	OperationOutcomeResourceType = "OperationOutcome"
)

type (
	// Bundle is a wire payload carrying multiple sub-requests or sub-responses.
	Bundle struct {
		ResourceType string        `json:"resourceType"`
		ID           string        `json:"id,omitempty"`
		Type         BundleType    `json:"type"`
		Total        *int          `json:"total,omitempty"`
		Entry        []BundleEntry `json:"entry,omitempty"`
	}

	BundleEntry struct {
		FullURL  string          `json:"fullUrl,omitempty"`
		Resource Resource        `json:"resource,omitempty"`
		Request  *BundleRequest  `json:"request,omitempty"`
		Response *BundleResponse `json:"response,omitempty"`
	}

	BundleRequest struct {
		Method  string `json:"method"`
		URL     string `json:"url"`
		IfMatch string `json:"ifMatch,omitempty"`
	}

	BundleResponse struct {
		Status       string   `json:"status"`
		Location     string   `json:"location,omitempty"`
		Etag         string   `json:"etag,omitempty"`
		LastModified string   `json:"lastModified,omitempty"`
		Outcome      Resource `json:"outcome,omitempty"`
	}
)

// NewBundle creates an empty Bundle of the given type.
func NewBundle(bundleType BundleType) *Bundle {
	return &Bundle{
		ResourceType: BundleResourceType,
		Type:         bundleType,
	}
}

// ResponseType returns the bundle type the server answers a request bundle with.
func (t BundleType) ResponseType() BundleType {
	switch t {
	case BatchBundleType:
		return BatchResponseBundleType
	case TransactionBundleType:
		return TransactionResponseBundleType
	}

	return t
}

// DecodeBundle unmarshals a Bundle and checks its resourceType.
func DecodeBundle(raw []byte) (*Bundle, error) {
	bundle := &Bundle{}
	if err := json.Unmarshal(raw, bundle); err != nil {
		return nil, fmt.Errorf("bundle unmarshal: %w", err)
	}
	if bundle.ResourceType != BundleResourceType {
		return nil, fmt.Errorf("resourceType (%s): Bundle expected", bundle.ResourceType)
	}

	return bundle, nil
}

// ParseStatus parses a bundle entry status line ("201 Created") into a code.
func ParseStatus(status string) (int, error) {
	status = strings.TrimSpace(status)
	if idx := strings.IndexByte(status, ' '); idx >= 0 {
		status = status[:idx]
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		return 0, fmt.Errorf("status (%s): invalid: %w", status, err)
	}

	return code, nil
}

// StatusLine formats a status code the way bundle responses carry it.
func StatusLine(code int, text string) string {
	if text == "" {
		return strconv.Itoa(code)
	}

	return strconv.Itoa(code) + " " + text
}

// IsSuccessStatus checks for a 2xx status code.
func IsSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}

// RewriteReferences replaces "reference" values of the resource tree found in refs.
func RewriteReferences(value any, refs map[string]string) {
	switch v := value.(type) {
	case map[string]any:
		for field, item := range v {
			if field == "reference" {
				if ref, ok := item.(string); ok {
					if target, found := refs[ref]; found {
						v[field] = target
					}
					continue
				}
			}
			RewriteReferences(item, refs)
		}
	case []any:
		for _, item := range v {
			RewriteReferences(item, refs)
		}
	}
}
