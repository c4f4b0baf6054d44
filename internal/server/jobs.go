package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/jobs"
	"github.com/joseph-ayodele/docparse/internal/repository"
)

type submitURLBody struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	SchemaID string `json:"schemaId"`
	Hints    string `json:"hints"`
}

type pagination struct {
	CurrentPage     int  `json:"currentPage"`
	HasNextPage     bool `json:"hasNextPage"`
	HasPreviousPage bool `json:"hasPreviousPage"`
	Limit           int  `json:"limit"`
	TotalCount      int  `json:"totalCount"`
	TotalPages      int  `json:"totalPages"`
}

type listResponse struct {
	Data       []entity.Job `json:"data"`
	Pagination pagination   `json:"pagination"`
}

func jobType(raw string) constants.JobType {
	if raw == "" {
		return constants.JobTypeParse
	}
	return constants.JobType(raw)
}

func (s *Server) submitFile(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		s.abort(c, badRequest("file is required"))
		return
	}
	if fh.Size > s.maxUploadBytes {
		s.abort(c, badRequest(fmt.Sprintf("file exceeds %d bytes", s.maxUploadBytes)))
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.abort(c, err)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			s.logger.Warn("http.upload.close_error", "error", err)
		}
	}()
	data, err := io.ReadAll(io.LimitReader(f, s.maxUploadBytes+1))
	if err != nil {
		s.abort(c, fmt.Errorf("read upload: %w", err))
		return
	}

	job, err := s.deps.Jobs.SubmitFile(c.Request.Context(), jobs.SubmitFileRequest{
		Identity: identity(c),
		Type:     jobType(c.PostForm("type")),
		SchemaID: c.PostForm("schemaId"),
		Hints:    c.PostForm("hints"),
		FileName: fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Data:     data,
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) submitURL(c *gin.Context) {
	var body submitURLBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abort(c, badRequest("invalid request body"))
		return
	}
	job, err := s.deps.Jobs.SubmitURL(c.Request.Context(), jobs.SubmitURLRequest{
		Identity: identity(c),
		Type:     jobType(body.Type),
		SchemaID: body.SchemaID,
		Hints:    body.Hints,
		URL:      body.URL,
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// listFilter reads status, type, limit, page, sortBy and sortOrder.
func listFilter(c *gin.Context) (repository.ListFilter, int, error) {
	f := repository.ListFilter{
		Status:    constants.JobStatus(c.Query("status")),
		Type:      constants.JobType(c.Query("type")),
		Limit:     repository.DefaultListLimit,
		SortBy:    c.DefaultQuery("sortBy", "createdAt"),
		SortOrder: c.DefaultQuery("sortOrder", "desc"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > repository.MaxListLimit {
			return f, 0, badRequest(fmt.Sprintf("limit must be between 1 and %d", repository.MaxListLimit))
		}
		f.Limit = n
	}
	page := 1
	if raw := c.Query("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return f, 0, badRequest("page must be >= 1")
		}
		page = n
	}
	if f.SortBy != "createdAt" && f.SortBy != "updatedAt" {
		return f, 0, badRequest("sortBy must be createdAt or updatedAt")
	}
	if f.SortOrder != "asc" && f.SortOrder != "desc" {
		return f, 0, badRequest("sortOrder must be asc or desc")
	}
	f.Offset = (page - 1) * f.Limit
	return f, page, nil
}

func (s *Server) listJobs(c *gin.Context) {
	f, page, err := listFilter(c)
	if err != nil {
		s.abort(c, err)
		return
	}
	list, total, err := s.deps.Jobs.List(c.Request.Context(), identity(c).OrganizationID, f)
	if err != nil {
		s.abort(c, err)
		return
	}
	if list == nil {
		list = []entity.Job{}
	}
	totalPages := (total + f.Limit - 1) / f.Limit
	c.JSON(http.StatusOK, listResponse{
		Data: list,
		Pagination: pagination{
			CurrentPage:     page,
			HasNextPage:     page < totalPages,
			HasPreviousPage: page > 1,
			Limit:           f.Limit,
			TotalCount:      total,
			TotalPages:      totalPages,
		},
	})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.deps.Jobs.Get(c.Request.Context(), identity(c).OrganizationID, c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) downloadJob(c *gin.Context) {
	d, err := s.deps.Jobs.Download(c.Request.Context(), identity(c).OrganizationID, c.Param("id"), c.Query("format"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.FileName))
	c.Data(http.StatusOK, d.ContentType, d.Data)
}

func (s *Server) deleteJob(c *gin.Context) {
	if err := s.deps.Jobs.Delete(c.Request.Context(), identity(c).OrganizationID, c.Param("id")); err != nil {
		s.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
