package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/athebyme/gomarket-sync/internal/syncer"
	"github.com/athebyme/gomarket-sync/pkg/interfaces"
)

// Server - служебный HTTP-интерфейс процесса синхронизации:
// проверка живости, метрики, реестр задач и история запусков
type Server struct {
	orchestrator *syncer.Orchestrator
	store        syncer.EntityStore
	logger       interfaces.LoggerPort
}

// NewServer создает служебный HTTP-сервер
func NewServer(orchestrator *syncer.Orchestrator, store syncer.EntityStore, logger interfaces.LoggerPort) *Server {
	return &Server{
		orchestrator: orchestrator,
		store:        store,
		logger:       logger,
	}
}

// Router собирает маршруты служебного интерфейса
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/tasks", s.handleListTasks)
	r.Get("/runs/{account}", s.handleLatestRun)

	return r
}

type healthResponse struct {
	Status   string   `json:"status"`
	Accounts []string `json:"accounts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, healthResponse{
		Status:   "ok",
		Accounts: s.orchestrator.Accounts(),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.orchestrator.ListTasks()
	if tasks == nil {
		tasks = []syncer.TaskInfo{}
	}
	render.JSON(w, r, tasks)
}

type errResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	run, err := s.store.GetLatestSyncRun(r.Context(), account)
	if err != nil {
		s.logger.ErrorWithContext(r.Context(), "Не удалось прочитать историю запусков",
			interfaces.LogField{Key: "account", Value: account},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, errResponse{Error: "internal error"})
		return
	}
	if run == nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, errResponse{Error: "запуски для аккаунта не найдены"})
		return
	}

	render.JSON(w, r, run)
}
