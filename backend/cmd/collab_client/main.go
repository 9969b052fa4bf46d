package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"collabEngine/backend/internal/annotation"
	"collabEngine/backend/internal/config"
	"collabEngine/backend/internal/crdt"
	"collabEngine/backend/internal/identity"
	"collabEngine/backend/internal/localcache"
	"collabEngine/backend/internal/netmon"
	"collabEngine/backend/internal/presence"
	"collabEngine/backend/internal/room"
	"collabEngine/backend/internal/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configPath := flag.String("config", "", "path to collabConfig.yaml")
	roomID := flag.String("room", "default", "the room to open")
	token := flag.String("token", "", "access token, overrides Client.token")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	all, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("init config failed: %w", err)
	}
	cfg := all.Client
	if *token != "" {
		cfg.Token = *token
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 本地缓存：副本存 sqlite，离线标记存 bbolt；打不开时退回内存
	var replicas localcache.Store
	var flags localcache.FlagStore
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		logger.Warn("cache dir unavailable", "dir", cfg.CacheDir, "err", err)
	} else {
		if s, err := localcache.OpenSQLite(filepath.Join(cfg.CacheDir, "replicas.sqlite3")); err != nil {
			logger.Warn("open replica cache failed", "err", err)
		} else {
			replicas = s
		}
		if f, err := localcache.OpenBolt(filepath.Join(cfg.CacheDir, "flags.db")); err != nil {
			logger.Warn("open flag store failed", "err", err)
		} else {
			flags = f
		}
	}
	lc := localcache.New(replicas, flags, localcache.Options{
		RoomPrefix:    cfg.RoomPrefix,
		OfflinePrefix: cfg.OfflinePrefix,
		LoadTimeout:   cfg.CacheLoadTimeout,
		Logger:        logger,
	})

	monitor := netmon.New(true, logger)
	if cfg.HealthURL != "" {
		go monitor.Probe(ctx, &http.Client{Timeout: cfg.ProbeInterval}, cfg.HealthURL, cfg.ProbeInterval)
	}

	var ident session.IdentitySource
	if cfg.ProfileURL != "" {
		resolver := identity.NewResolver(cfg.ProfileURL, identity.ResolverOptions{TTL: cfg.IdentityTTL, Logger: logger})
		defer resolver.Close()
		ident = resolver
	}

	reg := room.NewRegistry(room.Deps{Cache: lc, Monitor: monitor, Identity: ident, Logger: logger})
	defer reg.Close()

	r, err := reg.Open(ctx, room.Config{
		Room:               *roomID,
		Endpoint:           cfg.Endpoint,
		Token:              cfg.Token,
		RetryDelay:         cfg.RetryDelay,
		MaxRetryDelay:      cfg.MaxRetryDelay,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		PresenceFrame:      cfg.PresenceFrame,
		AnnotationDebounce: cfg.AnnotationDebounce,
	})
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout)
	r.OnStatus(func(st session.Status) {
		out.printf("[status] %s %s offline-edit=%v", st.State, st.Reason, r.OfflineEdit())
	})
	r.Presence().OnChange(func(s presence.Snapshot) {
		for id, e := range s {
			name := "anonymous"
			if e.Identity != nil {
				name = e.Identity.Name
			}
			out.printf("[presence] %s %s cursor=%v", id, name, e.Cursor != nil)
		}
	})
	r.Annotations().OnActiveChange(func(id string) {
		out.printf("[comment] active=%q", id)
	})
	r.Doc().OnUpdate(func(u crdt.Update) {
		if !u.Local {
			out.printf("[text] %s", r.Doc().Text())
		}
	})
	out.printf("[text] %s", r.Doc().Text())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(r, out, line); quit {
				return nil
			}
		}
	}
}

// handleLine 普通行追加到文档末尾；以 / 开头的是命令。
func handleLine(r *room.Room, out *printer, line string) bool {
	if !strings.HasPrefix(line, "/") {
		doc := r.Doc()
		if doc.Len() > 0 {
			line = "\n" + line
		}
		doc.Insert(doc.Len(), line)
		r.MoveCursor(doc.Len(), doc.Len())
		return false
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true
	case "/text":
		out.printf("[text] %s", r.Doc().Text())
	case "/cursor":
		if len(fields) != 3 {
			out.printf("usage: /cursor <anchor> <head>")
			return false
		}
		a, err1 := strconv.Atoi(fields[1])
		h, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			out.printf("usage: /cursor <anchor> <head>")
			return false
		}
		r.MoveCursor(a, h)
	case "/blur":
		r.Blur()
	case "/comment":
		if len(fields) < 3 {
			out.printf("usage: /comment <from> <to> [id]")
			return false
		}
		from, err1 := strconv.Atoi(fields[1])
		to, err2 := strconv.Atoi(fields[2])
		if err1 != nil || err2 != nil {
			out.printf("usage: /comment <from> <to> [id]")
			return false
		}
		id := ""
		if len(fields) > 3 {
			id = fields[3]
		}
		id, err := r.Annotations().AddMark(annotation.Range{From: from, To: to}, id)
		if err != nil {
			out.printf("[comment] %v", err)
			return false
		}
		out.printf("[comment] added %s", id)
	case "/uncomment":
		if len(fields) != 2 {
			out.printf("usage: /uncomment <id>")
			return false
		}
		if err := r.Annotations().RemoveMark(fields[1]); err != nil {
			out.printf("[comment] %v", err)
		}
	case "/token":
		if len(fields) != 2 {
			out.printf("usage: /token <access-token>")
			return false
		}
		r.Reauthenticate(fields[1])
	default:
		out.printf("unknown command %s", fields[0])
	}
	return false
}
