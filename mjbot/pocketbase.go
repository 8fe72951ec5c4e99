package mjbot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/lmittmann/tint"
)

const (
	pocketBaseAuthPath    = "/api/admins/auth-with-password"
	pocketBasePlayerPath  = "/api/collections/player/records"
	pocketBaseMemoryPath  = "/api/collections/memory/records"
	pocketBaseSortCreated = "created"

	turnRoleUser      = "user"
	turnRoleAssistant = "assistant"

	// errorBodyLimit caps how much of an error response body is included
	// in error messages and logs.
	errorBodyLimit = 512
)

// Player is a persisted record mapping a discord user to the game. Created
// on first contact, then treated as immutable: the display name is not
// refreshed on later visits.
type Player struct {
	ID          string `json:"id"`
	DiscordID   string `json:"discord_id"`
	DisplayName string `json:"display_name"`
	Created     string `json:"created,omitempty"`
}

func (p Player) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", p.ID),
		slog.String("discord_id", p.DiscordID),
		slog.String("display_name", p.DisplayName),
	)
}

// TurnFragment is one role-tagged message of a stored turn.
type TurnFragment struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnContent is the content field of a turn record: an ordered sequence
// of fragments. Legacy records hold either a single fragment object or an
// array of them; both shapes are normalized here, once, at the JSON
// boundary. Fragments missing a role or content are dropped.
type TurnContent []TurnFragment

func (tc *TurnContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*tc = nil
		return nil
	}

	var raw []TurnFragment
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
	} else {
		var single TurnFragment
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		raw = []TurnFragment{single}
	}

	fragments := make(TurnContent, 0, len(raw))
	for _, f := range raw {
		if f.Role == "" || f.Content == "" {
			continue
		}
		fragments = append(fragments, f)
	}
	*tc = fragments
	return nil
}

// turnRecord is one stored exchange, owned by a player and optionally
// scoped to a campaign (unused today, always empty).
type turnRecord struct {
	ID       string      `json:"id,omitempty"`
	Player   string      `json:"player"`
	Campaign string      `json:"campaign,omitempty"`
	Content  TurnContent `json:"content"`
	Created  string      `json:"created,omitempty"`
}

type recordList[T any] struct {
	Items []T `json:"items"`
}

// PocketBase is the client for the persistence backend holding player and
// turn records. It owns the admin bearer token: the token is acquired
// lazily on first use and cached for the process lifetime.
type PocketBase struct {
	config     *PocketBaseConfig
	httpClient *http.Client
	logger     *slog.Logger

	// mu guards token. Concurrent messages arriving before the first
	// login completes serialize here rather than both logging in.
	mu    sync.Mutex
	token string
}

func newPocketBase(config *PocketBaseConfig, httpClient *http.Client) *PocketBase {
	p := &PocketBase{
		config:     config,
		httpClient: httpClient,
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: config.Timeout}
	}
	p.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "pocketbase")
	return p
}

// Login performs the admin credential exchange and caches the resulting
// bearer token. Called lazily by every backend operation, and eagerly once
// at startup.
func (p *PocketBase) Login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginLocked(ctx)
}

func (p *PocketBase) loginLocked(ctx context.Context) error {
	body, err := json.Marshal(
		map[string]string{
			"identity": p.config.AdminIdentity,
			"password": p.config.AdminPassword,
		},
	)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		p.config.URL+pocketBaseAuthPath,
		bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("error creating auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error authenticating to pocketbase: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return fmt.Errorf(
			"pocketbase auth failed: %s: %s",
			resp.Status,
			strings.TrimSpace(string(data)),
		)
	}

	var authResponse struct {
		Token string `json:"token"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&authResponse); err != nil {
		return fmt.Errorf("error decoding auth response: %w", err)
	}
	if authResponse.Token == "" {
		return fmt.Errorf("pocketbase auth returned an empty token")
	}

	p.token = authResponse.Token
	p.logger.InfoContext(ctx, "pocketbase login ok")
	return nil
}

// ensureAuth guarantees a cached bearer token exists before a backend
// call executes.
func (p *PocketBase) ensureAuth(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token, nil
	}
	if err := p.loginLocked(ctx); err != nil {
		return "", err
	}
	return p.token, nil
}

// do executes an authenticated request against the backend, encoding body
// as JSON when non-nil and decoding the response into out when non-nil.
func (p *PocketBase) do(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body any,
	out any,
) error {
	token, err := p.ensureAuth(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		data, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return marshalErr
		}
		reqBody = bytes.NewReader(data)
	}

	endpoint := p.config.URL + path
	if len(query) > 0 {
		endpoint = endpoint + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pocketbase request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return fmt.Errorf(
			"pocketbase %s %s: %s: %s",
			method,
			path,
			resp.Status,
			strings.TrimSpace(string(data)),
		)
	}

	if out != nil {
		if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("error decoding response: %w", err)
		}
	}
	return nil
}

// GetOrCreatePlayer returns the player record matching the given discord
// user ID, creating one on first contact. Existing records are returned
// unchanged - a stale display name is accepted.
func (p *PocketBase) GetOrCreatePlayer(
	ctx context.Context,
	discordID string,
	displayName string,
) (*Player, error) {
	log, ok := ContextLogger(ctx)
	if log == nil || !ok {
		log = p.logger
	}

	query := url.Values{}
	query.Set("filter", fmt.Sprintf("discord_id = %q", discordID))
	query.Set("perPage", "1")

	var list recordList[Player]
	err := p.do(ctx, http.MethodGet, pocketBasePlayerPath, query, nil, &list)
	if err != nil {
		return nil, fmt.Errorf("error querying player: %w", err)
	}
	if len(list.Items) > 0 {
		player := list.Items[0]
		log.DebugContext(ctx, "found existing player", "player", player)
		return &player, nil
	}

	if displayName == "" {
		displayName = DefaultPlayerDisplayName
	}
	created := &Player{}
	err = p.do(
		ctx,
		http.MethodPost,
		pocketBasePlayerPath,
		nil,
		map[string]string{
			"discord_id":   discordID,
			"display_name": displayName,
		},
		created,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating player: %w", err)
	}
	log.InfoContext(ctx, "created new player", "player", *created)
	return created, nil
}

// LoadMemory returns the player's recent turns as a flat, chronologically
// ordered sequence of fragments, capped at limit records. A player with no
// history yields an empty slice, not an error.
func (p *PocketBase) LoadMemory(
	ctx context.Context,
	playerID string,
	campaignID string,
	limit int,
) ([]TurnFragment, error) {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}

	filter := fmt.Sprintf("player = %q", playerID)
	if campaignID != "" {
		filter = fmt.Sprintf("%s && campaign = %q", filter, campaignID)
	}

	query := url.Values{}
	query.Set("filter", filter)
	query.Set("sort", pocketBaseSortCreated)
	query.Set("perPage", strconv.Itoa(limit))

	var list recordList[turnRecord]
	err := p.do(ctx, http.MethodGet, pocketBaseMemoryPath, query, nil, &list)
	if err != nil {
		return nil, fmt.Errorf("error loading memory: %w", err)
	}

	var history []TurnFragment
	for _, record := range list.Items {
		history = append(history, record.Content...)
	}
	return history, nil
}

// SaveTurn stores one exchange as a single record holding the user and
// assistant fragments, in that order.
func (p *PocketBase) SaveTurn(
	ctx context.Context,
	playerID string,
	campaignID string,
	userText string,
	assistantText string,
) error {
	body := map[string]any{
		"player": playerID,
		"content": []TurnFragment{
			{Role: turnRoleUser, Content: userText},
			{Role: turnRoleAssistant, Content: assistantText},
		},
	}
	if campaignID == "" {
		body["campaign"] = nil
	} else {
		body["campaign"] = campaignID
	}

	if err := p.do(ctx, http.MethodPost, pocketBaseMemoryPath, nil, body, nil); err != nil {
		return fmt.Errorf("error saving turn: %w", err)
	}
	return nil
}
