package reporting

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	httperr "github.com/mediapulse-io/mediapulse/internal/core/errors"
	"github.com/mediapulse-io/mediapulse/internal/core/storage"
)

const dateLayout = "2006-01-02"

// RegisterRoutes registers all reporting API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/users/:user_id", s.HandleUserProfile)
	r.GET("/v1/articles/:article_id", s.HandleContentProfile)
	r.GET("/v1/sessions/:session_id", s.HandleSessionProfile)
	r.GET("/v1/reports/daily", s.HandleDailyReport)
	r.GET("/v1/reports/articles", s.HandleArticleReport)
}

// HandleUserProfile handles GET /v1/users/:user_id
func (s *Service) HandleUserProfile(c *gin.Context) {
	profile, err := s.reader.UserProfile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeLookupError(c, err, "User not found")
		return
	}
	c.JSON(http.StatusOK, profile)
}

// HandleContentProfile handles GET /v1/articles/:article_id
func (s *Service) HandleContentProfile(c *gin.Context) {
	profile, err := s.reader.ContentProfile(c.Request.Context(), c.Param("article_id"))
	if err != nil {
		writeLookupError(c, err, "Article not found")
		return
	}
	c.JSON(http.StatusOK, profile)
}

// HandleSessionProfile handles GET /v1/sessions/:session_id
func (s *Service) HandleSessionProfile(c *gin.Context) {
	profile, err := s.reader.SessionProfile(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeLookupError(c, err, "Session not found")
		return
	}
	c.JSON(http.StatusOK, profile)
}

// HandleDailyReport handles GET /v1/reports/daily?from=YYYY-MM-DD&to=YYYY-MM-DD
// The range is half-open: from inclusive, to exclusive.
func (s *Service) HandleDailyReport(c *gin.Context) {
	from, to, ok := s.parseDateRange(c)
	if !ok {
		return
	}

	aggs, err := s.reader.DailyAggregates(c.Request.Context(), from, to)
	if err != nil {
		writeInternalError(c, err, "Failed to query daily report")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"from": from.Format(dateLayout),
		"to":   to.Format(dateLayout),
		"days": aggs,
	})
}

// HandleArticleReport handles GET /v1/reports/articles?date=YYYY-MM-DD
func (s *Service) HandleArticleReport(c *gin.Context) {
	date, err := time.Parse(dateLayout, c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpBadQueryError,
			Message:   "Invalid or missing date parameter, expected YYYY-MM-DD",
		})
		return
	}

	aggs, err := s.reader.ArticleAggregatesByDate(c.Request.Context(), date)
	if err != nil {
		writeInternalError(c, err, "Failed to query article report")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"date":     date.Format(dateLayout),
		"articles": aggs,
	})
}

func (s *Service) parseDateRange(c *gin.Context) (time.Time, time.Time, bool) {
	from, errFrom := time.Parse(dateLayout, c.Query("from"))
	to, errTo := time.Parse(dateLayout, c.Query("to"))
	if errFrom != nil || errTo != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpBadQueryError,
			Message:   "Invalid or missing from/to parameters, expected YYYY-MM-DD",
		})
		return time.Time{}, time.Time{}, false
	}
	if !to.After(from) {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpBadQueryError,
			Message:   "to must be after from",
		})
		return time.Time{}, time.Time{}, false
	}
	if to.Sub(from) > time.Duration(s.maxRangeDays)*24*time.Hour {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpBadQueryError,
			Message:   "Date range too wide",
			Details: map[string]interface{}{
				"max_days": s.maxRangeDays,
			},
		})
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func writeLookupError(c *gin.Context, err error, notFoundMsg string) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, httperr.ErrorResponse{
			ErrorType: httperr.HttpNotFoundError,
			Message:   notFoundMsg,
		})
		return
	}
	writeInternalError(c, err, "Failed to query aggregate")
}

func writeInternalError(c *gin.Context, err error, msg string) {
	c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
		ErrorType: httperr.HttpInternalError,
		Message:   msg,
		Details:   err.Error(),
	})
}
