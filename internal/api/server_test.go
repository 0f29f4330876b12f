package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aivoice/ai"
	"aivoice/internal/config"
	"aivoice/models"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T) (*Server, *websocket.Conn) {
	t.Helper()

	modelMgr, err := models.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("model manager: %v", err)
	}
	engineMgr := ai.NewEngineManager(modelMgr, ai.EngineOptions{})

	s := NewServer(config.Default(), engineMgr, modelMgr, nil)

	httpSrv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	t.Cleanup(httpSrv.Close)

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return s, conn
}

func recvType(t *testing.T, conn *websocket.Conn, msgType string) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	conn.SetReadDeadline(deadline)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("recv waiting for %q: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %q", msgType)
		}
	}
}

// TestGetModels проверяет список моделей по WebSocket
func TestGetModels(t *testing.T) {
	_, conn := startTestServer(t)

	if err := conn.WriteJSON(Message{Type: "get_models"}); err != nil {
		t.Fatal(err)
	}

	msg := recvType(t, conn, "models_list")
	if len(msg.Models) != len(models.Registry) {
		t.Errorf("models in list = %d, expected %d", len(msg.Models), len(models.Registry))
	}
	// Без файлов на диске всё в состоянии not_downloaded
	for _, m := range msg.Models {
		if m.Status != models.ModelStatusNotDownloaded {
			t.Errorf("model %s status = %s, expected not_downloaded", m.ID, m.Status)
		}
	}
}

// TestGetStatus проверяет статус без загруженной модели
func TestGetStatus(t *testing.T) {
	_, conn := startTestServer(t)

	if err := conn.WriteJSON(Message{Type: "get_status"}); err != nil {
		t.Fatal(err)
	}

	msg := recvType(t, conn, "status")
	if msg.Status == nil {
		t.Fatal("status payload missing")
	}
	if msg.Status.ActiveModelID != "" {
		t.Errorf("active model = %q, expected empty", msg.Status.ActiveModelID)
	}
}

// TestTranscribeWithoutAudio проверяет ошибку на запросе без аудио
func TestTranscribeWithoutAudio(t *testing.T) {
	_, conn := startTestServer(t)

	if err := conn.WriteJSON(Message{Type: "transcribe", RequestID: "r1"}); err != nil {
		t.Fatal(err)
	}

	msg := recvType(t, conn, "error")
	if msg.RequestID != "r1" {
		t.Errorf("error requestId = %q, expected r1", msg.RequestID)
	}
}

// TestTranscribeWithoutEngine проверяет что PCM запрос без активной
// модели отвечает ошибкой, а не зависает
func TestTranscribeWithoutEngine(t *testing.T) {
	_, conn := startTestServer(t)

	// 4 нулевых семпла PCM16 = 8 нулевых байтов
	if err := conn.WriteJSON(Message{
		Type:       "transcribe",
		RequestID:  "r2",
		PCMBase64:  "AAAAAAAAAAA=",
		SampleRate: 16000,
	}); err != nil {
		t.Fatal(err)
	}

	recvType(t, conn, "transcription_started")
	msg := recvType(t, conn, "error")
	if msg.RequestID != "r2" {
		t.Errorf("error requestId = %q, expected r2", msg.RequestID)
	}
}

// TestSetActiveModelValidation проверяет отказ на незагруженной модели
func TestSetActiveModelValidation(t *testing.T) {
	_, conn := startTestServer(t)

	if err := conn.WriteJSON(Message{Type: "set_active_model"}); err != nil {
		t.Fatal(err)
	}
	recvType(t, conn, "error")

	if err := conn.WriteJSON(Message{Type: "set_active_model", ModelID: models.DefaultModelID()}); err != nil {
		t.Fatal(err)
	}
	msg := recvType(t, conn, "error")
	if !strings.Contains(msg.Error, "not downloaded") {
		t.Errorf("error = %q, expected mention of not downloaded", msg.Error)
	}
}

// TestUnknownMessageType проверяет ответ на неизвестный тип
func TestUnknownMessageType(t *testing.T) {
	_, conn := startTestServer(t)

	if err := conn.WriteJSON(Message{Type: "bogus"}); err != nil {
		t.Fatal(err)
	}
	msg := recvType(t, conn, "error")
	if !strings.Contains(msg.Error, "unknown message type") {
		t.Errorf("error = %q", msg.Error)
	}
}
