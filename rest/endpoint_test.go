package rest

import (
	"strings"
	"testing"
)

func TestEndpointURL(t *testing.T) {
	url, err := EndpointGetChannel.URL(map[string]string{"channelId": "123456"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if url != "channels/123456" {
		t.Errorf("Expected channels/123456, but got %s", url)
	}
}

func TestEndpointURLEscapesParameters(t *testing.T) {
	url, err := EndpointGetChannel.URL(map[string]string{"channelId": "a/b c"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if strings.Contains(url, "/b") || strings.Contains(url, " ") {
		t.Errorf("Expected escaped parameter, but got %s", url)
	}
}

func TestEndpointURLMissingParameter(t *testing.T) {
	_, err := EndpointGetChannel.URL(nil)
	if err == nil {
		t.Errorf("Expected error for missing parameter")
	}
}

func TestEndpointDescriptionHashesWebhookToken(t *testing.T) {
	params := map[string]string{
		"webhookId":    "123",
		"webhookToken": "super-secret-token",
	}

	description := EndpointExecuteWebhook.Description(params)

	if strings.Contains(description, "super-secret-token") {
		t.Errorf("Expected webhook token to be hashed, but got %s", description)
	}

	if !strings.Contains(description, "sha256:") {
		t.Errorf("Expected hashed token marker, but got %s", description)
	}

	// The hash is stable, so the description still identifies the route.
	if description != EndpointExecuteWebhook.Description(params) {
		t.Errorf("Expected stable description")
	}
}

func TestEncodeQueriesKeepsOrder(t *testing.T) {
	queries := []Query{
		{Key: "limit", Value: "100"},
		{Key: "after", Value: "200"},
	}

	encoded := EncodeQueries(queries)

	if encoded != "limit=100&after=200" {
		t.Errorf("Expected limit=100&after=200, but got %s", encoded)
	}
}
