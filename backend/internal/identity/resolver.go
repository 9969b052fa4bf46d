package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnauthorized 表示凭证被拒绝（401/403），重新登录可能恢复。
	ErrUnauthorized = errors.New("identity: unauthorized")
	// ErrTransient 表示网络、上游 5xx 或响应解析失败，可以重试。
	ErrTransient = errors.New("identity: transient failure")
)

type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Color  string `json:"color,omitempty"`
}

type ResolverOptions struct {
	HTTPClient *http.Client
	// 成功结果的缓存时间；0 表示在 Resolver 生命周期内一直有效
	TTL     time.Duration
	Timeout time.Duration
	Logger  *slog.Logger
}

// Resolver 通过用户资料接口解析当前会话的身份。
// 同一个 token 同时只有一个在途请求；Close 会取消所有在途请求。
type Resolver struct {
	client     *http.Client
	profileURL string
	timeout    time.Duration
	logger     *slog.Logger

	sf    singleflight.Group
	cache *TTLCache[string, Identity]

	ctx    context.Context
	cancel context.CancelFunc
}

func NewResolver(profileURL string, opt ResolverOptions) *Resolver {
	if opt.HTTPClient == nil {
		opt.HTTPClient = &http.Client{}
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		client:     opt.HTTPClient,
		profileURL: profileURL,
		timeout:    opt.Timeout,
		logger:     opt.Logger,
		cache:      NewTTLCache[string, Identity](opt.TTL),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrUnauthorized
	}
	if id, ok := r.cache.Get(token); ok {
		return id, nil
	}
	if err := r.ctx.Err(); err != nil {
		return Identity{}, err
	}

	ch := r.sf.DoChan(token, func() (any, error) {
		id, err := r.fetch(token)
		if err == nil {
			r.cache.Set(token, id)
		}
		return id, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Identity{}, res.Err
		}
		return res.Val.(Identity), nil
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	case <-r.ctx.Done():
		return Identity{}, r.ctx.Err()
	}
}

// Close 取消在途请求；之后的 Resolve 直接返回 context.Canceled。
func (r *Resolver) Close() { r.cancel() }

func (r *Resolver) fetch(token string) (Identity, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.profileURL, nil)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: build request: %v", ErrTransient, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if r.ctx.Err() != nil {
			return Identity{}, r.ctx.Err()
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return Identity{}, fmt.Errorf("%w: profile status %d", ErrTransient, resp.StatusCode)
	}

	var id Identity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return Identity{}, fmt.Errorf("%w: decode profile: %v", ErrTransient, err)
	}
	if id.ID == "" {
		return Identity{}, fmt.Errorf("%w: profile without id", ErrTransient)
	}
	id.Color = ColorFor(id.ID)
	r.logger.Debug("identity resolved", "id", id.ID, "name", id.Name)
	return id, nil
}
