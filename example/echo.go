package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	socket "github.com/Zereker/g9socket"
	"github.com/Zereker/g9socket/account"
	"github.com/Zereker/g9socket/command"
	"github.com/Zereker/g9socket/config"
)

type player struct {
	account.Base
	log zerolog.Logger
}

func (p *player) OnSessionClosed(reason account.CloseReason) {
	p.log.Info().Uint64("session", p.Session().ID()).Stringer("reason", reason).Msg("player left")
}

type chatLine struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// Chat echoes every line back with the server clock.
type Chat struct {
	log zerolog.Logger
}

func (c *Chat) OnReceive(line chatLine, acc account.Account, _ uuid.UUID, reply command.ReplyFunc) {
	c.log.Info().Str("from", line.From).Str("text", line.Text).Msg("chat")
	_ = reply(chatLine{From: "server", Text: time.Now().Format(time.Kitchen) + " " + line.Text}, account.Asynchronous)
}

func (c *Chat) OnError(err error, _ account.Account) {
	c.log.Warn().Err(err).Msg("chat failed")
}

func main() {
	serverConfig := flag.String("server", "", "server config file (yaml, toml or json)")
	clientConfig := flag.String("client", "", "client config file (yaml, toml or json)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	logger := socket.NewZerologLogger(log)

	srvCfg := config.DefaultServer()
	cliCfg := config.DefaultClient()
	var err error
	if *serverConfig != "" {
		if srvCfg, err = config.LoadServer(*serverConfig); err != nil {
			log.Fatal().Err(err).Msg("load server config")
		}
	}
	if *clientConfig != "" {
		if cliCfg, err = config.LoadClient(*clientConfig); err != nil {
			log.Fatal().Err(err).Msg("load client config")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverCommands := command.NewRegistry()
	serverCommands.MustRegister(command.FromHandler[chatLine](&Chat{log: log}))

	server, err := socket.NewServer(srvCfg, serverCommands,
		func() account.Account { return &player{log: log} },
		socket.WithServerLogger(logger))
	if err != nil {
		log.Fatal().Err(err).Msg("create server")
	}
	if err := server.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start server")
	}

	client, err := socket.NewClient(cliCfg, nil,
		func() account.Account { return &player{log: log} },
		socket.WithClientLogger(logger))
	if err != nil {
		log.Fatal().Err(err).Msg("create client")
	}
	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect")
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			_ = client.Disconnect()
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = server.Stop(shutdown)
			cancel()
			return
		case <-ticker.C:
			var reply chatLine
			if err := client.Call(ctx, "Chat", chatLine{From: "client", Text: "hello"}, &reply); err != nil {
				log.Warn().Err(err).Msg("call")
				continue
			}
			rtt, _ := client.Ping(ctx)
			log.Info().Str("reply", reply.Text).Dur("rtt", rtt).Int("round", i).Msg("echo")
		}
	}
}
