package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"rcs/internal/domain"
	"rcs/internal/management"
)

const (
	defaultManagementURL = "http://localhost:8084"
	defaultIngestURL     = "http://localhost:8080"
	decisionWaitTimeout  = 30 * time.Second
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func managementURL() string {
	if v := os.Getenv("E2E_MANAGEMENT_URL"); v != "" {
		return v
	}
	return defaultManagementURL
}

func ingestURL() string {
	if v := os.Getenv("E2E_INGEST_URL"); v != "" {
		return v
	}
	return defaultIngestURL
}

// requireStack skips unless the deployed services answer their health check.
func requireStack(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	for _, base := range []string{managementURL(), ingestURL()} {
		resp, err := httpClient.Get(base + "/health")
		if err != nil {
			t.Skipf("service at %s not reachable: %v", base, err)
		}
		resp.Body.Close()
	}
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := os.Getenv("E2E_MANAGEMENT_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, status int, out interface{}) {
	t.Helper()
	defer resp.Body.Close()

	if resp.StatusCode != status {
		raw, _ := io.ReadAll(resp.Body)
		require.Equalf(t, status, resp.StatusCode, "unexpected response: %s", raw)
	}
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String()[:8])
}

func createEvent(t *testing.T, name string) *domain.EventDefinition {
	t.Helper()

	req := management.CreateEventRequest{
		Name: name,
		Schema: domain.PayloadSchema{
			"amount":    {Type: domain.FieldDecimal},
			"coin_name": {Type: domain.FieldString},
		},
	}
	var ev domain.EventDefinition
	decode(t, doJSON(t, http.MethodPost, managementURL()+"/api/v1/events", req), http.StatusCreated, &ev)
	return &ev
}

func deleteEvent(t *testing.T, id string) {
	t.Helper()
	resp := doJSON(t, http.MethodDelete, managementURL()+"/api/v1/events/"+id, nil)
	resp.Body.Close()
}

func createRule(t *testing.T, req management.CreateRuleRequest) *domain.RuleDefinition {
	t.Helper()
	var rule domain.RuleDefinition
	decode(t, doJSON(t, http.MethodPost, managementURL()+"/api/v1/rules", req), http.StatusCreated, &rule)
	return &rule
}

func deleteRule(t *testing.T, id string) {
	t.Helper()
	resp := doJSON(t, http.MethodDelete, managementURL()+"/api/v1/rules/"+id, nil)
	resp.Body.Close()
}

func getRule(t *testing.T, id string) *domain.RuleDefinition {
	t.Helper()
	var rule domain.RuleDefinition
	decode(t, doJSON(t, http.MethodGet, managementURL()+"/api/v1/rules/"+id, nil), http.StatusOK, &rule)
	return &rule
}

func amountRule(eventID, coin string, threshold float64, level int) management.CreateRuleRequest {
	return management.CreateRuleRequest{
		Name: uniqueName("amount_over"),
		Origin: domain.AuthoringNode{
			Key: "and",
			Children: []domain.AuthoringNode{{
				Type:   "withdraw",
				Source: "payload",
				Children: []domain.AuthoringNode{
					{Argument: "amount", Operator: ">", Value: threshold},
					{Argument: "coin_name", Operator: "=", Value: coin},
				},
			}},
		},
		PunishLevel: level,
		Status:      domain.RuleStatusOn,
		EventIDs:    []string{eventID},
	}
}
