package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"watchparty/internal/models"
	"watchparty/pkg/syncagent"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()
	fs := pflag.NewFlagSet("partyagent", pflag.ContinueOnError)

	var (
		server   = fs.StringP("server", "s", "http://localhost:8080", "watch party server base url")
		partyID  = fs.StringP("party", "p", "", "party id to join")
		nickname = fs.StringP("nickname", "n", "", "display name")
		userID   = fs.StringP("user-id", "u", "", "user id, honoured only by servers with party.trust_query_user_id")
		token    = fs.StringP("token", "t", "", "jwt issued by the server, overrides --user-id")
		logLevel = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *partyID == "" || *nickname == "" {
		logger.Fatal().Msg("--party and --nickname are required")
	}
	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	agent, err := syncagent.Dial(ctx, syncagent.Target{
		Server:   *server,
		PartyID:  *partyID,
		Nickname: *nickname,
		UserID:   *userID,
		Token:    *token,
	}, syncagent.Config{
		Logger: &logger,
		OnMessage: func(m models.ChatMessage) {
			logger.Info().Str("from", m.Nickname).Msg(m.Message)
		},
		OnReaction: func(r models.ReactionPayload) {
			logger.Info().Str("from", r.From).Str("emoji", r.Emoji).Msg("reaction")
		},
		OnParticipants: func(ps []models.Participant) {
			logger.Info().Int("count", len(ps)).Msg("participants changed")
		},
		OnPartyEnded: func(p models.PartyEndedPayload) {
			logger.Warn().Str("reason", p.Reason).Msg(p.Message)
		},
		OnError: func(p models.ErrorPayload) {
			logger.Error().Msg(p.Message)
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}

	go readCommands(ctx, os.Stdin, agent, &logger)

	if err := agent.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("disconnected")
		os.Exit(1)
	}
}

// readCommands 從標準輸入讀取指令：play、pause、seek <秒>、speed <倍率>、say <文字>、react <emoji>、sync、status
func readCommands(ctx context.Context, r io.Reader, agent *syncagent.Agent, logger *zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if err := runCommand(agent, cmd, strings.TrimSpace(arg), logger); err != nil {
			logger.Warn().Err(err).Str("command", cmd).Msg("command failed")
		}
	}
}

func runCommand(agent *syncagent.Agent, cmd, arg string, logger *zerolog.Logger) error {
	switch cmd {
	case "":
		return nil
	case "play":
		return agent.Play()
	case "pause":
		return agent.Pause()
	case "seek", "speed":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", arg)
		}
		if cmd == "seek" {
			return agent.Seek(v)
		}
		return agent.SetSpeed(v)
	case "say":
		return agent.SendMessage(arg)
	case "react":
		return agent.SendReaction(arg)
	case "sync":
		return agent.RequestSync()
	case "status":
		st := agent.State()
		p := agent.Player()
		logger.Info().
			Str("self", st.SelfID).
			Bool("isHost", st.IsHost).
			Str("host", st.HostID).
			Int("participants", len(st.Participants)).
			Float64("position", p.Position()).
			Bool("playing", p.Playing()).
			Float64("speed", p.Speed()).
			Msg("status")
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}
