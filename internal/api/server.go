package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"pool-ledger/internal/audit"
	"pool-ledger/internal/engine"
	"pool-ledger/internal/ledger"
	"pool-ledger/internal/model"
	"pool-ledger/internal/ws"
)

type Server struct {
	store   ledger.Store
	manager *engine.Manager
	auditor *audit.Auditor
	hub     *ws.Hub
	secret  []byte
}

func NewServer(store ledger.Store, mgr *engine.Manager, auditor *audit.Auditor, hub *ws.Hub, secret string) *Server {
	return &Server{store: store, manager: mgr, auditor: auditor, hub: hub, secret: []byte(secret)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	// Auth (public)
	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Account
		r.Get("/api/account", s.getAccount)
		r.Get("/api/account/transactions", s.listTransactions)

		// Games
		r.Get("/api/games", s.listGames)
		r.Get("/api/games/{id}", s.getGame)
		r.Get("/api/games/{id}/queues", s.getQueues)
		r.Get("/api/games/{id}/bets", s.listBets)

		// Wagers
		r.Post("/api/games/{id}/wagers", s.submitWager)
		r.Delete("/api/wagers/{id}", s.cancelWager)

		// Audit
		r.Get("/api/arenas/{id}/audits", s.listAudits)
		r.Get("/api/arenas/{id}/health", s.arenaHealth)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/games", s.openGame)
			r.Post("/api/admin/games/{id}/settle", s.settleGame)
			r.Post("/api/admin/games/{id}/reset", s.resetGame)
			r.Post("/api/admin/games/{id}/snapshot", s.takeSnapshot)
			r.Post("/api/admin/adjust", s.manualAdjust)
			r.Get("/api/admin/accounts", s.listAccounts)
			r.Post("/api/admin/accounts/{id}/deactivate", s.deactivateAccount)
			r.Post("/api/admin/accounts/{id}/replay", s.replayAccount)
			r.Post("/api/admin/accounts/{id}/reconcile", s.reconcileAccount)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetAccountByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	acct, err := s.store.CreateAccount(r.Context(), req.Email, string(hash), req.DisplayName, model.RoleUser)
	if err != nil {
		jsonErr(w, 500, "create account failed: "+err.Error())
		return
	}

	token := s.makeToken(acct.ID, acct.Role)
	json200(w, map[string]any{"account": acct, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	acct, err := s.store.GetAccountByEmail(r.Context(), req.Email)
	if err != nil || acct == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	token := s.makeToken(acct.ID, acct.Role)
	json200(w, map[string]any{"account": acct, "token": token})
}

func (s *Server) makeToken(accountID string, role model.Role) string {
	claims := jwt.MapClaims{
		"sub":  accountID,
		"role": string(role),
		"exp":  time.Now().Add(72 * time.Hour).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxAccountID ctxKey = "accountID"
	ctxRole      ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		accountID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxAccountID, accountID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ── Account ──────────────────────────────────────────

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	aid := r.Context().Value(ctxAccountID).(string)
	acct, err := s.store.GetAccount(r.Context(), aid)
	if err != nil || acct == nil {
		jsonErr(w, 404, "account not found")
		return
	}
	json200(w, acct)
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	aid := r.Context().Value(ctxAccountID).(string)
	txs, err := s.store.Transactions(r.Context(), aid)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	json200(w, txs)
}

// ── Games ────────────────────────────────────────────

func (s *Server) listGames(w http.ResponseWriter, r *http.Request) {
	games, err := s.store.ListGames(r.Context(), r.URL.Query().Get("arena"))
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if games == nil {
		games = []model.Game{}
	}
	json200(w, games)
}

func (s *Server) getGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.store.GetGame(r.Context(), chi.URLParam(r, "id"))
	if err != nil || g == nil {
		jsonErr(w, 404, "game not found")
		return
	}
	json200(w, g)
}

func (s *Server) getQueues(w http.ResponseWriter, r *http.Request) {
	eng := s.manager.GetEngine(chi.URLParam(r, "id"))
	if eng == nil {
		json200(w, model.QueueSnapshot{SideA: []model.Wager{}, SideB: []model.Wager{}})
		return
	}
	json200(w, eng.Queues())
}

func (s *Server) listBets(w http.ResponseWriter, r *http.Request) {
	bets, err := s.store.BetsByGame(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if bets == nil {
		bets = []model.BookedBet{}
	}
	json200(w, bets)
}

// ── Wagers ───────────────────────────────────────────

func (s *Server) submitWager(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "id")
	aid := r.Context().Value(ctxAccountID).(string)

	var req model.SubmitWagerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if !req.Side.Valid() {
		jsonErr(w, 400, "side must be A or B")
		return
	}

	eng := s.manager.GetEngine(gameID)
	if eng == nil {
		jsonErr(w, 404, "game not open")
		return
	}

	result, err := eng.Submit(aid, req)
	if err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	json200(w, result)
}

func (s *Server) cancelWager(w http.ResponseWriter, r *http.Request) {
	wagerID := chi.URLParam(r, "id")
	aid := r.Context().Value(ctxAccountID).(string)

	wager, err := s.store.GetWager(r.Context(), wagerID)
	if err != nil || wager == nil {
		jsonErr(w, 404, "wager not found")
		return
	}
	if wager.AccountID != aid {
		jsonErr(w, 403, "not your wager")
		return
	}

	eng := s.manager.GetEngine(wager.GameID)
	if eng == nil {
		jsonErr(w, 400, engine.ErrNotCancelable.Error())
		return
	}

	if err := eng.Cancel(wagerID, aid); err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	json200(w, map[string]string{"status": "canceled"})
}

// ── Audit ────────────────────────────────────────────

func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.AuditRecords(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if records == nil {
		records = []model.AuditRecord{}
	}
	json200(w, records)
}

func (s *Server) arenaHealth(w http.ResponseWriter, r *http.Request) {
	sum, err := s.auditor.Health(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, sum)
}

// ── Admin ────────────────────────────────────────────

func (s *Server) openGame(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ArenaID string `json:"arena_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.ArenaID == "" {
		jsonErr(w, 400, "arena_id required")
		return
	}

	g, err := s.manager.OpenGame(r.Context(), req.ArenaID)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(g)
}

func (s *Server) settleGame(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "id")

	var req struct {
		WinningSide model.Side `json:"winning_side"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if !req.WinningSide.Valid() {
		jsonErr(w, 400, "winning_side must be A or B")
		return
	}

	eng := s.manager.GetEngine(gameID)
	if eng == nil {
		// Engine already retired: serve the stored record if one exists.
		prior, err := s.store.GetAuditRecord(r.Context(), gameID)
		if err == nil && prior != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(409)
			json.NewEncoder(w).Encode(map[string]any{"error": engine.ErrAlreadySettled.Error(), "record": prior})
			return
		}
		jsonErr(w, 404, "game not open")
		return
	}

	res, err := eng.Settle(req.WinningSide)
	switch {
	case errors.Is(err, engine.ErrAlreadySettled):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(409)
		json.NewEncoder(w).Encode(map[string]any{"error": err.Error(), "record": res.Record})
		return
	case errors.Is(err, engine.ErrUnbalancedSettlement):
		// Funds moved; the settlement stands. Surface the alert with the
		// result rather than failing the request.
		log.Printf("[api] CRITICAL: unbalanced settlement for game %s", gameID)
		s.manager.StopEngine(gameID)
		json200(w, map[string]any{"result": res, "alert": err.Error()})
		return
	case err != nil:
		jsonErr(w, 500, err.Error())
		return
	}

	s.manager.StopEngine(gameID)
	json200(w, res)
}

func (s *Server) resetGame(w http.ResponseWriter, r *http.Request) {
	eng := s.manager.GetEngine(chi.URLParam(r, "id"))
	if eng == nil {
		jsonErr(w, 404, "game not open")
		return
	}
	cleared, err := eng.Reset()
	if err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	json200(w, map[string]int{"cleared": cleared})
}

func (s *Server) takeSnapshot(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "id")
	var req struct {
		Phase model.SnapshotPhase `json:"phase"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	g, err := s.store.GetGame(r.Context(), gameID)
	if err != nil || g == nil {
		jsonErr(w, 404, "game not found")
		return
	}
	snap, err := s.auditor.Snapshot(r.Context(), g.ArenaID, g.ID, req.Phase)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, snap)
}

func (s *Server) manualAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Amount    int64  `json:"amount"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	tx, err := s.store.ManualAdjust(r.Context(), req.AccountID, req.Amount, req.Reason)
	if err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	json200(w, tx)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if accounts == nil {
		accounts = []model.Account{}
	}
	json200(w, accounts)
}

func (s *Server) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeactivateAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	json200(w, map[string]string{"status": "deactivated"})
}

func (s *Server) replayAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Replay(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrCorruptReplay) {
			log.Printf("[api] CRITICAL: corrupt replay for account %s: %v", id, err)
			jsonErr(w, 409, err.Error())
			return
		}
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	json200(w, map[string]string{"status": "verified"})
}

func (s *Server) reconcileAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reconcile(r.Context(), chi.URLParam(r, "id")); err != nil {
		jsonErr(w, errStatus(err), err.Error())
		return
	}
	json200(w, map[string]string{"status": "reconciled"})
}

// ── Helpers ──────────────────────────────────────────

func errStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return 404
	case errors.Is(err, engine.ErrAlreadySettled):
		return 409
	case errors.Is(err, ledger.ErrAccountFrozen):
		return 423
	case errors.Is(err, ledger.ErrInvalidStake),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrAccountInactive),
		errors.Is(err, ledger.ErrReasonRequired),
		errors.Is(err, engine.ErrNotCancelable),
		errors.Is(err, engine.ErrGameNotOpen):
		return 400
	case errors.Is(err, engine.ErrNotYourWager):
		return 403
	case errors.Is(err, ledger.ErrCorruptReplay):
		return 409
	default:
		return 500
	}
}

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
