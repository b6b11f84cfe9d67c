package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(
		WithBaseURL(server.URL),
		WithAPIKey("test-key"),
		WithHTTPClient(server.Client()),
	)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func textSpec(body string) models.MessageSpec {
	return models.MessageSpec{Kind: models.MessageKindText, Text: &models.TextSpec{Body: body}}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Error("expected error without base URL")
	}
}

func TestSendTextRequest(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusCreated)
	})

	err := client.SendMessage(context.Background(), "main", "123@g.us", textSpec("hello"), true)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if gotPath != "/message/sendText/main" {
		t.Errorf("path = %q, want /message/sendText/main", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("apikey header = %q, want test-key", gotKey)
	}
	if gotBody["number"] != "123@g.us" || gotBody["text"] != "hello" {
		t.Errorf("body = %v", gotBody)
	}
	if gotBody["mentionsEveryOne"] != true {
		t.Errorf("mentionsEveryOne missing from body: %v", gotBody)
	}
}

func TestSendPollRequest(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
	})

	spec := models.MessageSpec{Kind: models.MessageKindPoll, Poll: &models.PollSpec{
		Question: "Lunch?",
		Options:  []string{"pizza", "sushi"},
	}}
	if err := client.SendMessage(context.Background(), "main", "123@g.us", spec, false); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if gotPath != "/message/sendPoll/main" {
		t.Errorf("path = %q, want /message/sendPoll/main", gotPath)
	}
	if gotBody["name"] != "Lunch?" {
		t.Errorf("poll name = %v", gotBody["name"])
	}
	// Unset MaxSelections defaults to single choice.
	if gotBody["selectableCount"] != float64(1) {
		t.Errorf("selectableCount = %v, want 1", gotBody["selectableCount"])
	}
}

func TestSendMediaRequestCarriesURLOnly(t *testing.T) {
	var gotBody map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
	})

	spec := models.MessageSpec{Kind: models.MessageKindMedia, Media: &models.MediaSpec{
		URL:      "https://cdn.example.com/pic.jpg",
		MimeType: "image/jpeg",
		Caption:  "look",
	}}
	if err := client.SendMessage(context.Background(), "main", "123@g.us", spec, false); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if gotBody["media"] != "https://cdn.example.com/pic.jpg" {
		t.Errorf("media = %v, want the pre-resolved URL", gotBody["media"])
	}
	if gotBody["mediatype"] != "image" {
		t.Errorf("mediatype = %v, want image", gotBody["mediatype"])
	}
}

func TestSendEndpointPerKind(t *testing.T) {
	cases := []struct {
		spec models.MessageSpec
		want string
	}{
		{textSpec("x"), "sendText"},
		{models.MessageSpec{Kind: models.MessageKindAudio, Audio: &models.AudioSpec{URL: "https://x/a.ogg"}}, "sendWhatsAppAudio"},
		{models.MessageSpec{Kind: models.MessageKindPix, Pix: &models.PixSpec{KeyType: models.PixKeyEmail, Key: "a@b.com"}}, "sendButtons"},
		{models.MessageSpec{Kind: models.MessageKindContact, Contact: &models.ContactSpec{DisplayName: "Ana", Phone: "+55"}}, "sendContact"},
		{models.MessageSpec{Kind: models.MessageKindLocation, Location: &models.LocationSpec{Latitude: 1, Longitude: 2}}, "sendLocation"},
	}
	for _, tc := range cases {
		endpoint, _, err := buildSendRequest("123@g.us", tc.spec, false)
		if err != nil {
			t.Errorf("%s: buildSendRequest failed: %v", tc.spec.Kind, err)
			continue
		}
		if endpoint != tc.want {
			t.Errorf("%s: endpoint = %q, want %q", tc.spec.Kind, endpoint, tc.want)
		}
	}

	if _, _, err := buildSendRequest("123@g.us", models.MessageSpec{Kind: "sticker"}, false); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestSendMessageNon2xx(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"instance not connected"}`, http.StatusBadGateway)
	})

	err := client.SendMessage(context.Background(), "main", "123@g.us", textSpec("x"), false)
	if err == nil {
		t.Fatal("expected error on 502")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "instance not connected") {
		t.Errorf("error should carry status and body detail, got %v", err)
	}
}

func TestListGroups(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/group/fetchAllGroups/main" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("getParticipants") != "false" {
			t.Errorf("getParticipants = %q, want false", r.URL.Query().Get("getParticipants"))
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "123@g.us", "subject": "Vendas", "size": 42},
			{"id": "456@g.us", "subject": "Suporte", "size": 7},
		})
	})

	groups, err := client.ListGroups(context.Background(), "main")
	if err != nil {
		t.Fatalf("ListGroups failed: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].ID != "123@g.us" || groups[0].Subject != "Vendas" || groups[0].Size != 42 {
		t.Errorf("group[0] = %+v", groups[0])
	}
}

func TestListGroupsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	})
	if _, err := client.ListGroups(context.Background(), "main"); err == nil {
		t.Error("expected error on 401")
	}
}

func TestMediaTypeFromMime(t *testing.T) {
	cases := map[string]string{
		"image/png":       "image",
		"video/mp4":       "video",
		"application/pdf": "document",
		"":                "document",
	}
	for mime, want := range cases {
		if got := mediaTypeFromMime(mime); got != want {
			t.Errorf("mediaTypeFromMime(%q) = %q, want %q", mime, got, want)
		}
	}
}
