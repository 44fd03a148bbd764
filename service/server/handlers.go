package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"

	"github.com/itiky/resource-sync/model"
	"github.com/itiky/resource-sync/storage"
)

const fhirContentType = "application/fhir+json"

func (s *Server) routes() {
	r := s.router

	r.POST("/", func(c *gin.Context) {
		s.handleBundle(c)
	})
	r.GET("/:type", func(c *gin.Context) {
		s.handleSearch(c)
	})
	r.POST("/:type", func(c *gin.Context) {
		s.handleCreate(c)
	})
	r.GET("/:type/:id", func(c *gin.Context) {
		s.handleRead(c, true)
	})
	r.HEAD("/:type/:id", func(c *gin.Context) {
		if s.cfg.DisableHead {
			s.writeOutcome(c, http.StatusMethodNotAllowed, "not-supported", "HEAD is not supported")
			return
		}
		s.handleRead(c, false)
	})
	r.PUT("/:type/:id", func(c *gin.Context) {
		s.handleUpdate(c)
	})
	r.DELETE("/:type/:id", func(c *gin.Context) {
		s.handleDelete(c)
	})
	r.GET("/:type/:id/_history/:vid", func(c *gin.Context) {
		s.handleVRead(c)
	})
}

func (s *Server) handleRead(c *gin.Context, withBody bool) {
	key, ok := s.pathKey(c)
	if !ok {
		return
	}

	v, err := s.repo.Read(key)
	if err != nil {
		s.writeError(c, 0, err)
		return
	}
	s.writeVersion(c, http.StatusOK, v, withBody)
}

func (s *Server) handleVRead(c *gin.Context) {
	key, ok := s.pathKey(c)
	if !ok {
		return
	}
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil {
		s.writeError(c, http.StatusBadRequest, fmt.Errorf("vid (%s): %w", c.Param("vid"), ErrInvalid))
		return
	}

	v, err := s.repo.VRead(key, vid)
	if err != nil {
		s.writeError(c, 0, err)
		return
	}
	s.writeVersion(c, http.StatusOK, v, true)
}

func (s *Server) handleSearch(c *gin.Context) {
	resType, ok := s.pathType(c)
	if !ok {
		return
	}

	resources, err := s.repo.Search(resType, c.Request.URL.Query())
	if err != nil {
		s.writeError(c, http.StatusBadRequest, err)
		return
	}

	total := len(resources)
	bundle := model.NewBundle(model.SearchSetBundleType)
	bundle.Total = &total
	for _, res := range resources {
		bundle.Entry = append(bundle.Entry, model.BundleEntry{
			FullURL:  baseURL(c) + "/" + resType + "/" + res["id"].(string),
			Resource: res,
		})
	}
	s.writeJSON(c, http.StatusOK, bundle)
}

func (s *Server) handleCreate(c *gin.Context) {
	resType, ok := s.pathType(c)
	if !ok {
		return
	}
	res, ok := s.bindResource(c)
	if !ok {
		return
	}

	s.handleWrite(c, Operation{
		Method:   http.MethodPost,
		Key:      model.ResourceKey{Type: resType},
		Resource: res,
	})
}

func (s *Server) handleUpdate(c *gin.Context) {
	key, ok := s.pathKey(c)
	if !ok {
		return
	}
	res, ok := s.bindResource(c)
	if !ok {
		return
	}

	s.handleWrite(c, Operation{
		Method:   http.MethodPut,
		Key:      key,
		Resource: res,
		IfMatch:  c.GetHeader("If-Match"),
	})
}

func (s *Server) handleDelete(c *gin.Context) {
	key, ok := s.pathKey(c)
	if !ok {
		return
	}

	s.handleWrite(c, Operation{
		Method:  http.MethodDelete,
		Key:     key,
		IfMatch: c.GetHeader("If-Match"),
	})
}

// handleWrite queues a single operation and writes its result.
func (s *Server) handleWrite(c *gin.Context, op Operation) {
	results, err := s.submit(c.Request.Context(), false, op)
	if err != nil {
		s.writeError(c, http.StatusServiceUnavailable, err)
		return
	}

	res := results[0]
	if res.Err != nil {
		s.writeError(c, res.Status, res.Err)
		return
	}
	if res.Version == nil {
		c.Status(res.Status)
		return
	}
	c.Header("Location", baseURL(c)+"/"+res.Location())
	s.writeVersion(c, res.Status, res.Version, !preferMinimal(c))
}

// handleBundle processes batch and transaction bundles. Entries of a transaction are applied
// atomically; a batch reports every entry result on its own.
func (s *Server) handleBundle(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		s.writeError(c, http.StatusBadRequest, fmt.Errorf("body: %w", err))
		return
	}
	bundle, err := model.DecodeBundle(raw)
	if err != nil {
		s.writeError(c, http.StatusBadRequest, fmt.Errorf("%v: %w", err, ErrInvalid))
		return
	}
	if bundle.Type != model.BatchBundleType && bundle.Type != model.TransactionBundleType {
		s.writeError(c, http.StatusBadRequest, fmt.Errorf("bundle type (%s): batch or transaction expected: %w", bundle.Type, ErrInvalid))
		return
	}
	isTransaction := bundle.Type == model.TransactionBundleType

	ops, entryErrs := s.bundleOperations(bundle)
	if isTransaction {
		for i, err := range entryErrs {
			if err != nil {
				s.writeError(c, http.StatusBadRequest, fmt.Errorf("entry[%d]: %w", i, err))
				return
			}
		}
	}

	queued := make([]Operation, 0, len(ops))
	for i, op := range ops {
		if entryErrs[i] == nil {
			queued = append(queued, op)
		}
	}
	results, err := s.submit(c.Request.Context(), isTransaction, queued...)
	if err != nil {
		s.writeError(c, http.StatusServiceUnavailable, err)
		return
	}
	if isTransaction && len(results) == 1 && results[0].Err != nil {
		glog.V(1).Infof("Server: transaction rejected: %v", results[0].Err)
		s.writeError(c, results[0].Status, results[0].Err)
		return
	}

	minimal := preferMinimal(c)
	resp := model.NewBundle(bundle.Type.ResponseType())
	resp.Entry = make([]model.BundleEntry, 0, len(ops))
	for i := range ops {
		if entryErrs[i] != nil {
			resp.Entry = append(resp.Entry, failedEntry(http.StatusBadRequest, entryErrs[i]))
			continue
		}

		res := results[0]
		results = results[1:]
		if res.Err != nil {
			resp.Entry = append(resp.Entry, failedEntry(res.Status, res.Err))
			continue
		}

		entry := model.BundleEntry{
			Response: &model.BundleResponse{
				Status: model.StatusLine(res.Status, http.StatusText(res.Status)),
			},
		}
		if res.Version != nil {
			entry.FullURL = baseURL(c) + "/" + res.Key.String()
			entry.Response.Location = res.Location()
			entry.Response.Etag = res.Version.ETag()
			entry.Response.LastModified = res.Version.LastModified()
			if !minimal {
				entry.Resource = res.Version.Resource
			}
		}
		resp.Entry = append(resp.Entry, entry)
	}

	s.writeJSON(c, http.StatusOK, resp)
}

// bundleOperations converts bundle entries to operations. Server ids are assigned to created
// entries upfront so that "urn:uuid:" references between entries can be resolved.
func (s *Server) bundleOperations(bundle *model.Bundle) ([]Operation, []error) {
	ops := make([]Operation, len(bundle.Entry))
	errs := make([]error, len(bundle.Entry))
	refs := make(map[string]string)

	for i, entry := range bundle.Entry {
		if entry.Request == nil {
			errs[i] = fmt.Errorf("request: empty: %w", ErrInvalid)
			continue
		}

		op := Operation{
			Method:  strings.ToUpper(entry.Request.Method),
			IfMatch: entry.Request.IfMatch,
		}
		if entry.Resource != nil {
			op.Resource = storage.CloneMap(entry.Resource)
		}

		url := strings.Trim(entry.Request.URL, "/")
		switch op.Method {
		case http.MethodPost:
			if !model.IsResourceTypeName(url) {
				errs[i] = fmt.Errorf("url (%s): Type expected: %w", entry.Request.URL, ErrInvalid)
				continue
			}
			op.Key = model.ResourceKey{Type: url, ID: s.repo.NewID()}
		case http.MethodPut, http.MethodDelete:
			key, ok := model.ParseResourceKey(url)
			if !ok {
				errs[i] = fmt.Errorf("url (%s): Type/Id expected: %w", entry.Request.URL, ErrInvalid)
				continue
			}
			op.Key = key
		default:
			errs[i] = fmt.Errorf("method (%s): %w", entry.Request.Method, ErrInvalid)
			continue
		}

		if strings.HasPrefix(entry.FullURL, "urn:uuid:") {
			refs[entry.FullURL] = op.Key.String()
		}
		ops[i] = op
	}

	if len(refs) > 0 {
		for i := range ops {
			if errs[i] == nil && ops[i].Resource != nil {
				model.RewriteReferences(ops[i].Resource, refs)
			}
		}
	}

	return ops, errs
}

// pathType reads and validates the type path parameter.
func (s *Server) pathType(c *gin.Context) (string, bool) {
	resType := c.Param("type")
	if !model.IsResourceTypeName(resType) {
		s.writeOutcome(c, http.StatusNotFound, "not-found", fmt.Sprintf("resource type (%s): unknown", resType))
		return "", false
	}

	return resType, true
}

// pathKey reads and validates the type and id path parameters.
func (s *Server) pathKey(c *gin.Context) (model.ResourceKey, bool) {
	resType, ok := s.pathType(c)
	if !ok {
		return model.ResourceKey{}, false
	}

	return model.ResourceKey{Type: resType, ID: c.Param("id")}, true
}

// bindResource decodes the request body resource.
func (s *Server) bindResource(c *gin.Context) (model.Resource, bool) {
	res := make(model.Resource)
	if err := c.ShouldBindJSON(&res); err != nil {
		s.writeError(c, http.StatusBadRequest, fmt.Errorf("body JSON unmarshal: %v: %w", err, ErrInvalid))
		return nil, false
	}

	return res, true
}

// writeVersion writes a resource version with its ETag and Last-Modified headers.
func (s *Server) writeVersion(c *gin.Context, status int, v *Version, withBody bool) {
	c.Header("ETag", v.ETag())
	c.Header("Last-Modified", v.LastModified())
	if !withBody {
		c.Status(status)
		return
	}
	s.writeJSON(c, status, v.Resource)
}

// writeError writes err as an OperationOutcome; status 0 is derived from err.
func (s *Server) writeError(c *gin.Context, status int, err error) {
	if status == 0 {
		status = errorStatus(err)
	}
	s.writeOutcome(c, status, issueCode(err), err.Error())
}

func (s *Server) writeOutcome(c *gin.Context, status int, code, diagnostics string) {
	s.writeJSON(c, status, model.NewOperationOutcome("error", code, diagnostics))
}

func (s *Server) writeJSON(c *gin.Context, status int, obj any) {
	c.Header("Content-Type", fhirContentType)
	c.JSON(status, obj)
}

func failedEntry(status int, err error) model.BundleEntry {
	return model.BundleEntry{
		Response: &model.BundleResponse{
			Status:  model.StatusLine(status, http.StatusText(status)),
			Outcome: model.NewOperationOutcome("error", issueCode(err), err.Error()).Resource(),
		},
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrConflict):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}

func issueCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrGone):
		return "deleted"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	}

	return "exception"
}

// preferMinimal checks for the "Prefer: return=minimal" header.
func preferMinimal(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Prefer"), "return=minimal")
}

func baseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}

	return scheme + "://" + c.Request.Host
}
