// Package testutil provides HTTP and seeding helpers shared by HuddlePipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/BTreeMap/HuddlePipe/internal/models"
	"github.com/BTreeMap/HuddlePipe/internal/store"
	"github.com/BTreeMap/HuddlePipe/internal/util"
	"github.com/BTreeMap/HuddlePipe/internal/workflow"
)

// TestingT is the subset of *testing.T the helpers use.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TestingT, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the JSON envelope and checks its status field.
func AssertJSONResponse(t TestingT, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}
	status, ok := response["status"].(string)
	if !ok {
		t.Errorf("response missing or invalid 'status' field")
	} else if status != string(expectedStatus) {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// CreateHTTPRequest creates an HTTP request with an optional JSON body.
func CreateHTTPRequest(t TestingT, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		reqBody.Write(MustMarshalJSON(t, body))
	}
	req, err := http.NewRequest(method, url, &reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TestingT, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TestingT, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}

// SeedTopics stores one topic per content string in category and returns them.
func SeedTopics(t TestingT, repo store.TopicRepo, category string, contents ...string) []models.Topic {
	t.Helper()
	out := make([]models.Topic, 0, len(contents))
	for _, content := range contents {
		tp := models.Topic{
			ID:       util.StableID(util.TopicNamespace, "test\x00"+category+"\x00"+content),
			Category: category,
			Content:  content,
			Source:   models.TopicSourceManual,
		}
		if _, err := repo.UpsertTopic(context.Background(), &tp); err != nil {
			t.Fatalf("failed to seed topic %q: %v", content, err)
		}
		out = append(out, tp)
	}
	return out
}

// SeedWorkflow creates a collecting workflow for a message in channelID and returns its id.
func SeedWorkflow(t TestingT, repo store.WorkflowRepo, channelID, messageTS, topicID string) string {
	t.Helper()
	id, err := workflow.NewTracker(repo).Create(context.Background(), models.SourceMessageID(channelID, messageTS), channelID, topicID)
	if err != nil {
		t.Fatalf("failed to seed workflow: %v", err)
	}
	return id
}
