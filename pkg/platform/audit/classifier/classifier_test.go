package classifier

import (
	"net/http"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	audit "vitalis/pkg/platform/audit"
)

// fixedSource returns the given values in order, repeating the last one.
func fixedSource(values ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := values[min(i, len(values)-1)]
		i++
		return v
	}
}

type ClassifierSuite struct {
	suite.Suite
	clock *clock.Mock
}

func TestClassifierSuite(t *testing.T) {
	suite.Run(t, new(ClassifierSuite))
}

func (s *ClassifierSuite) SetupTest() {
	s.clock = clock.NewMock()
	s.clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func (s *ClassifierSuite) newClassifier(source func() float64) *Classifier {
	return New(WithClock(s.clock), WithSampleSource(source))
}

func (s *ClassifierSuite) TestResourceAndAction() {
	c := s.newClassifier(fixedSource(0))

	cases := []struct {
		method, path      string
		resource, id, act string
		eventType         audit.EventType
	}{
		{http.MethodGet, "/api/users/42", ResourceUsers, "42", ActionRead, audit.EventDataAccess},
		{http.MethodPost, "/api/sleep-data", ResourceSleepData, "", ActionCreate, audit.EventDataModification},
		{http.MethodPatch, "/api/lab-reports/r-1", ResourceLabReports, "r-1", ActionUpdate, audit.EventDataModification},
		{http.MethodPut, "/api/profile", ResourceUserProfile, "", ActionUpdate, audit.EventDataModification},
		{http.MethodDelete, "/api/biomarkers/b-9", ResourceBiomarkers, "b-9", ActionDelete, audit.EventDataDeletion},
		{http.MethodGet, "/api/bio-age/metrics", ResourceBioAge, "", ActionViewMetrics, audit.EventDataAccess},
		{http.MethodGet, "/api/lab-reports/r-1/export", ResourceLabReports, "r-1", ActionExport, audit.EventExportData},
		{http.MethodPost, "/api/auth/login", ResourceAuth, "", ActionLogin, audit.EventLoginAttempt},
		{http.MethodPost, "/api/auth/logout", ResourceAuth, "", ActionLogout, audit.EventLogout},
		{http.MethodGet, "/api/wearable-sync?since=1", "wearable_sync", "", ActionRead, audit.EventDataAccess},
		{http.MethodOptions, "/api/users", ResourceUsers, "", ActionAccess, audit.EventAPIRequest},
	}
	for _, tc := range cases {
		s.Run(tc.method+" "+tc.path, func() {
			res := c.Classify(Input{Method: tc.method, Path: tc.path, Status: http.StatusOK})
			s.Equal(tc.resource, res.Event.ResourceType)
			s.Equal(tc.id, res.Event.ResourceID)
			s.Equal(tc.act, res.Event.Action)
			s.Equal(tc.eventType, res.Event.Type)
		})
	}
}

func (s *ClassifierSuite) TestRiskScoring() {
	c := s.newClassifier(fixedSource(0))

	s.Run("server error is critical", func() {
		res := c.Classify(Input{Method: http.MethodGet, Path: "/api/users", Status: http.StatusBadGateway})
		s.Equal(audit.RiskCritical, res.Event.RiskLevel)
		s.False(res.Event.Success)
	})

	s.Run("client error is high", func() {
		res := c.Classify(Input{Method: http.MethodGet, Path: "/api/users", Status: http.StatusNotFound})
		s.Equal(audit.RiskHigh, res.Event.RiskLevel)
	})

	s.Run("forbidden is a failed access", func() {
		res := c.Classify(Input{Method: http.MethodGet, Path: "/api/lab-reports/1", Status: http.StatusForbidden})
		s.Equal(audit.EventFailedAccess, res.Event.Type)
		s.Equal(audit.CategorySecurity, res.Event.Category())
	})

	s.Run("delete is high", func() {
		res := c.Classify(Input{Method: http.MethodDelete, Path: "/api/sleep-data/1", Status: http.StatusNoContent})
		s.Equal(audit.RiskHigh, res.Event.RiskLevel)
		s.True(res.Event.Success)
	})

	s.Run("export is high", func() {
		res := c.Classify(Input{Method: http.MethodGet, Path: "/api/users/7/export", Status: http.StatusOK})
		s.Equal(audit.RiskHigh, res.Event.RiskLevel)
	})

	s.Run("write to sensitive resource is medium", func() {
		res := c.Classify(Input{Method: http.MethodPost, Path: "/api/biomarkers", Status: http.StatusCreated})
		s.Equal(audit.RiskMedium, res.Event.RiskLevel)
	})

	s.Run("write to other resource is low", func() {
		res := c.Classify(Input{Method: http.MethodPost, Path: "/api/sleep-data", Status: http.StatusCreated})
		s.Equal(audit.RiskLow, res.Event.RiskLevel)
	})

	s.Run("explicit risk wins", func() {
		res := c.Classify(Input{Method: http.MethodGet, Path: "/api/users", Status: http.StatusInternalServerError, Risk: audit.RiskLow})
		s.Equal(audit.RiskLow, res.Event.RiskLevel)
	})

	s.Run("unknown explicit risk is ignored", func() {
		res := c.Classify(Input{Method: http.MethodGet, Path: "/api/users", Status: http.StatusOK, Risk: "extreme"})
		s.Equal(audit.RiskLow, res.Event.RiskLevel)
	})
}

func (s *ClassifierSuite) TestSampling() {
	s.Run("read heavy reads keep one in five", func() {
		c := s.newClassifier(fixedSource(0.1, 0.5, 0.19, 0.2))
		var kept int
		for range 4 {
			if !c.Classify(Input{Method: http.MethodGet, Path: "/api/sleep-data", Status: http.StatusOK}).Dropped {
				kept++
			}
		}
		s.Equal(2, kept)
	})

	s.Run("audit log self reads keep one in ten", func() {
		c := s.newClassifier(fixedSource(0.15))
		res := c.Classify(Input{Method: http.MethodGet, Path: "/api/audit-logs", Status: http.StatusOK})
		s.True(res.Dropped)
		s.Equal(ResourceAuditLogs, res.Event.ResourceType)
	})

	s.Run("other reads are always kept", func() {
		c := s.newClassifier(fixedSource(0.99))
		res := c.Classify(Input{Method: http.MethodGet, Path: "/api/users/1", Status: http.StatusOK})
		s.False(res.Dropped)
	})

	s.Run("writes are never sampled", func() {
		c := s.newClassifier(fixedSource(0.99))
		res := c.Classify(Input{Method: http.MethodPost, Path: "/api/sleep-data", Status: http.StatusCreated})
		s.False(res.Dropped)
	})

	s.Run("suspicious clients are never sampled", func() {
		c := s.newClassifier(fixedSource(0.99))
		res := c.Classify(Input{Method: http.MethodGet, Path: "/api/sleep-data", Status: http.StatusOK, Suspicious: true})
		s.False(res.Dropped)
	})

	s.Run("rate override applies", func() {
		c := New(WithClock(s.clock), WithSampleSource(fixedSource(0.5)), WithSampleRate(ResourceUsers, 0.25))
		res := c.Classify(Input{Method: http.MethodGet, Path: "/api/users", Status: http.StatusOK})
		s.True(res.Dropped)
	})
}

// Failed or high/critical events must survive sampling whatever the random source says.
func TestMustRetainEventsAreNeverSampled(t *testing.T) {
	c := New(WithSampleSource(fixedSource(0.999999)))
	inputs := []Input{
		{Method: http.MethodGet, Path: "/api/sleep-data", Status: http.StatusInternalServerError},
		{Method: http.MethodGet, Path: "/api/audit-logs", Status: http.StatusUnauthorized},
		{Method: http.MethodGet, Path: "/api/biomarkers", Status: http.StatusOK, Risk: audit.RiskHigh},
		{Method: http.MethodGet, Path: "/api/bio-age", Status: http.StatusOK, Risk: audit.RiskCritical},
		{Method: http.MethodGet, Path: "/api/audit-logs/export", Status: http.StatusOK},
	}
	for _, in := range inputs {
		res := c.Classify(in)
		require.True(t, res.Event.MustRetain(), in.Path)
		assert.False(t, res.Dropped, "%s %d must not be sampled", in.Path, in.Status)
	}
}

func (s *ClassifierSuite) TestBodyHandling() {
	c := s.newClassifier(fixedSource(0))

	s.Run("sensitive fields are redacted recursively", func() {
		body := []byte(`{"email":"john.doe@example.com","password":"hunter2","profile":{"api_key":"abc","ssn":"123","name":"Jo"},"cards":[{"cardNumber":"4111"}]}`)
		res := c.Classify(Input{Method: http.MethodPost, Path: "/api/users", Status: http.StatusCreated, Body: body})

		got, ok := res.Event.Details["body"].(map[string]any)
		s.Require().True(ok)
		s.Equal("jo***@example.com", got["email"])
		s.Equal(Redacted, got["password"])
		profile := got["profile"].(map[string]any)
		s.Equal(Redacted, profile["api_key"])
		s.Equal(Redacted, profile["ssn"])
		s.Equal("Jo", profile["name"])
		card := got["cards"].([]any)[0].(map[string]any)
		s.Equal(Redacted, card["cardNumber"])
		s.NotContains(res.Event.Details, "parsing_error")
	})

	s.Run("unparseable body is flagged and classification continues", func() {
		res := c.Classify(Input{Method: http.MethodPost, Path: "/api/uploads", Status: http.StatusCreated, Body: []byte("--boundary")})
		s.Equal(true, res.Event.Details["parsing_error"])
		s.NotContains(res.Event.Details, "body")
		s.Equal(ResourceUploads, res.Event.ResourceType)
	})
}

func (s *ClassifierSuite) TestEventIdentity() {
	c := s.newClassifier(fixedSource(0))
	res := c.Classify(Input{
		Method:    http.MethodGet,
		Path:      "/api/users/1",
		Status:    http.StatusOK,
		IPAddress: "203.0.113.9",
		UserAgent: "Mozilla/5.0",
		RequestID: "req-1",
	})
	s.NotEmpty(res.Event.ID)
	s.Equal(audit.Anonymous, res.Event.UserID)
	s.Equal(s.clock.Now(), res.Event.Timestamp)
	s.Equal("req-1", res.Event.RequestID)
	s.Equal("/api/users/1", res.Event.Details["path"])
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", MaskEmail("john@example.com"))
	assert.Equal(t, "a***@example.com", MaskEmail("a@example.com"))
	assert.Equal(t, "not-an-email", MaskEmail("not-an-email"))
}

func TestSensitiveKeysMatchWholeWords(t *testing.T) {
	for _, k := range []string{
		"password", "newPassword", "password_hash", "api_key", "apiKey", "X-Api-Key",
		"accessToken", "refresh-token", "privateKey", "card_number", "cardNumber",
		"creditCard", "ssn", "userSSN", "SSNLast4", "cvv", "clientSecret",
	} {
		assert.True(t, isSensitiveKey(k), k)
	}
	for _, k := range []string{
		"className", "businessName", "lessons", "monkey", "turkey", "keyboardLayout",
		"tokenizer", "passwordless_enabled", "cardholder", "name",
	} {
		assert.False(t, isSensitiveKey(k), k)
	}
}
