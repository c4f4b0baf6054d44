package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/repository"
)

// maxExportRows caps a single summary workbook.
const maxExportRows = 5000

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// exportJobs renders every job matching the list filters as one XLSX summary.
func (s *Server) exportJobs(c *gin.Context) {
	f, _, err := listFilter(c)
	if err != nil {
		s.abort(c, err)
		return
	}
	orgID := identity(c).OrganizationID
	f.Limit = repository.MaxListLimit
	f.Offset = 0

	var all []entity.Job
	for len(all) < maxExportRows {
		page, total, err := s.deps.Jobs.List(c.Request.Context(), orgID, f)
		if err != nil {
			s.abort(c, err)
			return
		}
		all = append(all, page...)
		f.Offset += len(page)
		if len(page) == 0 || f.Offset >= total {
			break
		}
	}
	if len(all) > maxExportRows {
		all = all[:maxExportRows]
	}

	xlsx, err := s.deps.Jobs.Export(all)
	if err != nil {
		s.logger.Error("export.xlsx.failed", "org_id", orgID, "err", err)
		s.abort(c, err)
		return
	}
	name := fmt.Sprintf("jobs-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, xlsxContentType, xlsx)
}
