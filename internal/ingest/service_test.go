package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcs/internal/domain"
	"rcs/internal/logger"
	"rcs/internal/schema"
	"rcs/pkg/errors"
	"rcs/pkg/models"
)

type fakeEvents map[string]*domain.EventDefinition

func (f fakeEvents) EventByName(_ context.Context, name string) (*domain.EventDefinition, error) {
	if ev, ok := f[name]; ok {
		return ev, nil
	}
	return nil, errors.ErrNotFound.WithMessage("event %s not found", name)
}

type fakeOccurrences struct {
	mu    sync.Mutex
	byKey map[string]*domain.Occurrence
}

func (f *fakeOccurrences) Insert(_ context.Context, occ *domain.Occurrence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.byKey[occ.BusinessKey]; exists {
		return errors.ErrDuplicateIngestion
	}
	occ.ID = "occ-" + occ.BusinessKey[:8]
	f.byKey[occ.BusinessKey] = occ
	return nil
}

func (f *fakeOccurrences) GetByBusinessKey(_ context.Context, key string) (*domain.Occurrence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if occ, ok := f.byKey[key]; ok {
		return occ, nil
	}
	return nil, errors.ErrNotFound
}

type recordingPublisher struct {
	topics []string
	msgs   []models.MessageEnvelope
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, msg models.MessageEnvelope) error {
	p.topics = append(p.topics, topic)
	p.msgs = append(p.msgs, msg)
	return nil
}

func newService() (*Service, *fakeOccurrences, *recordingPublisher) {
	events := fakeEvents{"withdraw": {
		ID:   "ev-withdraw",
		Name: "withdraw",
		Schema: domain.PayloadSchema{
			"amount":    {Type: domain.FieldDecimal},
			"coin_name": {Type: domain.FieldCoinName},
		},
	}}
	occ := &fakeOccurrences{byKey: map[string]*domain.Occurrence{}}
	pub := &recordingPublisher{}
	svc := NewService(events, occ, schema.NewValidator(nil), NewHasher("sha256"), pub, "occurrence_ingested", logger.NopLogger())
	return svc, occ, pub
}

func submission() SubmitRequest {
	at := time.Date(2021, 4, 1, 8, 0, 0, 0, time.UTC)
	return SubmitRequest{
		EventName: "withdraw",
		EventAt:   &at,
		EventData: map[string]interface{}{"amount": "1500.50", "coin_name": "USDT"},
		User:      domain.User{UserID: "u-1", Project: "exchange"},
	}
}

func TestSubmit_StoresAndAnnounces(t *testing.T) {
	svc, occ, pub := newService()

	resp, err := svc.Submit(context.Background(), submission())
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
	assert.NotEmpty(t, resp.BusinessKey)

	stored := occ.byKey[resp.BusinessKey]
	require.NotNil(t, stored)
	assert.Equal(t, "ev-withdraw", stored.EventID)
	assert.Equal(t, "exchange", stored.Tenant)
	assert.True(t, decimal.RequireFromString("1500.5").Equal(stored.Payload["amount"].(decimal.Decimal)))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "occurrence_ingested", pub.topics[0])
	var msg models.OccurrenceIngested
	require.NoError(t, pub.msgs[0].DecodePayload(&msg))
	assert.Equal(t, resp.OccurrenceID, msg.OccurrenceID)
}

func TestSubmit_DuplicateIsNoop(t *testing.T) {
	svc, _, pub := newService()

	first, err := svc.Submit(context.Background(), submission())
	require.NoError(t, err)
	second, err := svc.Submit(context.Background(), submission())
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OccurrenceID, second.OccurrenceID)
	assert.Len(t, pub.msgs, 1)
}

func TestSubmit_ExplicitBusinessKey(t *testing.T) {
	svc, _, _ := newService()
	req := submission()
	req.BusinessKey = "withdraw-order-42"

	resp, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "withdraw-order-42", resp.BusinessKey)
}

func TestSubmit_Rejections(t *testing.T) {
	svc, _, pub := newService()

	req := submission()
	req.EventName = "login"
	_, err := svc.Submit(context.Background(), req)
	assert.True(t, errors.IsNotFound(err))

	req = submission()
	req.EventData = map[string]interface{}{"amount": "lots", "coin_name": "USDT"}
	_, err = svc.Submit(context.Background(), req)
	assert.True(t, errors.IsSchemaValidation(err))

	assert.Empty(t, pub.msgs)
}

func TestHasher_StableAcrossMapOrder(t *testing.T) {
	h := NewHasher("sha256")
	at := time.Unix(1617235200, 0)
	user := domain.User{UserID: "u-1"}

	a, err := h.BusinessKey("withdraw", user, at, map[string]interface{}{"a": 1, "b": "x"})
	require.NoError(t, err)
	b, err := h.BusinessKey("withdraw", user, at, map[string]interface{}{"b": "x", "a": 1})
	require.NoError(t, err)
	c, err := h.BusinessKey("withdraw", user, at.Add(time.Second), map[string]interface{}{"a": 1, "b": "x"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	md5Key, err := NewHasher("md5").BusinessKey("withdraw", user, at, nil)
	require.NoError(t, err)
	assert.Len(t, md5Key, 32)
}

func TestHandler_Submit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, occ, _ := newService()
	router := gin.New()
	NewHandler(svc, logger.NopLogger()).RegisterRoutes(router)

	body := `{"event_name":"withdraw","event_at":"2021-04-01T08:00:00Z",
		"event_data":{"amount":0.1000000000000000055511151231257827,"coin_name":"USDT"},
		"user":{"user_id":"u-1","project":"exchange"}}`

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/occurrences", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	for _, stored := range occ.byKey {
		assert.Equal(t, "0.1000000000000000055511151231257827", stored.Payload["amount"].(decimal.Decimal).String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/occurrences", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/api/v1/occurrences", strings.NewReader(`{"event_name":"withdraw"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
