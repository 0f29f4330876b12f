// Package api реализует WebSocket управление демоном: статус движка,
// список и переключение моделей, запросы транскрипции.
package api

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"aivoice/ai"
	"aivoice/audio"
	"aivoice/internal/config"
	"aivoice/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server WebSocket сервер демона
type Server struct {
	Config    *config.Config
	EngineMgr *ai.EngineManager
	ModelMgr  *models.Manager
	Capture   *audio.Capture

	clients map[*websocket.Conn]bool
	mu      sync.Mutex
}

// NewServer создаёт сервер и подключает callbacks менеджеров
func NewServer(cfg *config.Config, engMgr *ai.EngineManager, modMgr *models.Manager, cap *audio.Capture) *Server {
	s := &Server{
		Config:    cfg,
		EngineMgr: engMgr,
		ModelMgr:  modMgr,
		Capture:   cap,
		clients:   make(map[*websocket.Conn]bool),
	}
	s.setupCallbacks()
	return s
}

// Start блокирующе запускает HTTP сервер
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	log.Printf("Backend listening on :%s", s.Config.Port)
	return http.ListenAndServe(":"+s.Config.Port, mux)
}

func (s *Server) setupCallbacks() {
	// Прогресс работы с файлами моделей
	s.ModelMgr.SetProgressCallback(func(modelID string, progress float64, status models.ModelStatus, err error) {
		errStr := ""
		if err != nil {
			errStr = err.Error()
		}
		s.broadcast(Message{
			Type:     "model_progress",
			ModelID:  modelID,
			Progress: progress,
			Data:     string(status),
			Error:    errStr,
		})
	})

	// Этапы загрузки модели в движок
	s.EngineMgr.SetLoadProgressCallback(func(stage ai.LoadStage) {
		s.broadcast(Message{
			Type: "load_progress",
			Data: string(stage),
		})
	})
}

// broadcast рассылает сообщение всем подключённым клиентам.
// Глобальный мьютекс сериализует записи: WriteJSON не потокобезопасен
// для одного соединения.
func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.clients {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("Write error: %v", err)
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *Server) send(conn *websocket.Conn, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		log.Printf("Write error: %v", err)
	}
}

func (s *Server) sendError(conn *websocket.Conn, requestID, text string) {
	s.send(conn, Message{Type: "error", RequestID: requestID, Error: text})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade:", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Println("Read:", err)
			break
		}
		s.processMessage(conn, msg)
	}
}

func (s *Server) processMessage(conn *websocket.Conn, msg Message) {
	switch msg.Type {
	case "get_status":
		s.send(conn, Message{Type: "status", Status: s.statusInfo()})

	case "get_models":
		s.send(conn, Message{Type: "models_list", Models: s.ModelMgr.GetAllModelsState()})

	case "get_devices":
		if s.Capture == nil {
			s.sendError(conn, msg.RequestID, "audio capture is not available")
			return
		}
		devices, err := s.Capture.ListDevices()
		if err != nil {
			s.sendError(conn, msg.RequestID, err.Error())
			return
		}
		s.send(conn, Message{Type: "devices", Devices: devices})

	case "set_active_model":
		if msg.ModelID == "" {
			s.sendError(conn, msg.RequestID, "modelId is required")
			return
		}
		if !s.ModelMgr.IsModelDownloaded(msg.ModelID) {
			s.sendError(conn, msg.RequestID, "model not downloaded")
			return
		}
		// Загрузка весов длинная - не держим цикл чтения
		go func() {
			if err := s.EngineMgr.SetActiveModel(msg.ModelID); err != nil {
				s.sendError(conn, msg.RequestID, err.Error())
				return
			}
			s.broadcast(Message{Type: "active_model_changed", ModelID: msg.ModelID})
			s.broadcast(Message{Type: "models_list", Models: s.ModelMgr.GetAllModelsState()})
			s.broadcast(Message{Type: "status", Status: s.statusInfo()})
		}()

	case "set_language":
		s.EngineMgr.SetLanguage(msg.Language)
		s.send(conn, Message{Type: "language_changed", Language: msg.Language})

	case "transcribe":
		requestID := msg.RequestID
		if requestID == "" {
			requestID = uuid.New().String()
		}
		samples, sampleRate, err := s.resolveAudio(msg)
		if err != nil {
			s.sendError(conn, requestID, err.Error())
			return
		}

		s.send(conn, Message{Type: "transcription_started", RequestID: requestID})
		go s.runTranscription(conn, requestID, samples, sampleRate)

	default:
		s.sendError(conn, msg.RequestID, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

// resolveAudio достаёт семплы из запроса: WAV файл на диске или
// base64 PCM16 прямо в сообщении
func (s *Server) resolveAudio(msg Message) ([]float32, int, error) {
	switch {
	case msg.Path != "":
		return audio.LoadWAV(msg.Path)

	case msg.PCMBase64 != "":
		if msg.SampleRate <= 0 {
			return nil, 0, fmt.Errorf("sampleRate is required for PCM data")
		}
		raw, err := base64.StdEncoding.DecodeString(msg.PCMBase64)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid base64 PCM data: %w", err)
		}
		if len(raw)%2 != 0 {
			return nil, 0, fmt.Errorf("PCM16 data has odd byte length")
		}
		samples := make([]float32, len(raw)/2)
		for i := range samples {
			samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768.0
		}
		return samples, msg.SampleRate, nil

	default:
		return nil, 0, fmt.Errorf("either path or pcmBase64 is required")
	}
}

func (s *Server) runTranscription(conn *websocket.Conn, requestID string, samples []float32, sampleRate int) {
	start := time.Now()

	text, err := s.EngineMgr.Transcribe(samples, sampleRate)
	if err != nil {
		s.sendError(conn, requestID, err.Error())
		return
	}

	duration := float64(len(samples)) / math.Max(float64(sampleRate), 1)
	log.Printf("Transcription %s: %.1fs audio in %s", requestID, duration, time.Since(start).Round(time.Millisecond))

	s.send(conn, Message{
		Type:      "transcription",
		RequestID: requestID,
		Text:      text,
		Duration:  duration,
	})
}

func (s *Server) statusInfo() *StatusInfo {
	info := &StatusInfo{
		ActiveModelID: s.EngineMgr.GetActiveModelID(),
		Language:      s.EngineMgr.Language(),
	}
	if engine := s.EngineMgr.GetActiveEngine(); engine != nil {
		status := engine.Status()
		info.EngineState = status.State
		info.LoadStage = status.LoadStage
		info.EngineError = status.Error
	}
	return info
}
