package agents

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	realtime "github.com/bt-bridge/realtime-session"
	"github.com/bt-bridge/realtime-session/shared"
	"github.com/bt-bridge/realtime-session/tools"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// Remote playback buffering
const (
	playbackBufferMs      int = 100
	playbackBufferSeconds int = 5
)

const helpText = `commands:
  mic            toggle the microphone
  mute           mute the microphone without releasing it
  cam            toggle the camera
  flip           switch between front and back camera
  model <name>   change the model
  voice <name>   change the voice
  temp <0..1>    change the temperature
  params         show the session parameters
  quit           end the session`

// CLIAgent runs one realtime session in a terminal: it prints the
// transcript, plays the assistant's audio and reads commands from stdin.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	client  *realtime.Client

	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
	started  bool
	mu       sync.Mutex
}

func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	store *realtime.ConfigStore,
	printer *shared.Printer,
	commands io.Reader,
	opts ...realtime.ClientOption,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.done = make(chan struct{})
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	opts = append([]realtime.ClientOption{
		realtime.WithLogger(logger),
		realtime.WithCallbacks(a.callbacks()),
	}, opts...)
	client, err := realtime.NewClient(store, opts...)
	if err != nil {
		a.logger.Error("creating client", err)
		return err
	}
	a.client = client

	a.println("📋 Session Parameters\n", 0)
	if err := a.printParams(); err != nil {
		return err
	}

	a.println("\n🎤 Starting session...", 0)
	if err := a.client.StartSession(a.ctx, nil); err != nil {
		a.logger.Error("starting session", err)
		a.finish()
		return err
	}
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	a.println(helpText+"\n", 0)

	if commands != nil {
		go a.readCommands(commands)
	}
	return nil
}

func (a *CLIAgent) callbacks() realtime.Callbacks {
	return realtime.Callbacks{
		OnSessionStart: func(conversationID string) {
			a.printf(0, "✅ Session started (%s)\n", conversationID)
		},
		OnSessionConnected: func() {
			a.logger.Info("transport connected")
		},
		OnConnectionStateChange: func(state realtime.ConnectionState) {
			a.logger.Debug("connection state changed", zap.String("state", string(state)))
			if state != realtime.StateClosed {
				return
			}
			a.mu.Lock()
			started := a.started
			a.mu.Unlock()
			if started {
				a.println("🔌 Session closed.", 0)
				a.finish()
			}
		},
		OnConversationItemCreated: func(item realtime.ConversationItem) {
			switch item.Sender {
			case realtime.SenderUser:
				a.printf(1, "🧑 You: %s", item.Content.Message)
			case realtime.SenderAssistant:
				a.printf(1, "🤖 Assistant (%s): %s", item.VoiceType, item.Content.Message)
			}
		},
		OnSessionUpdated: func(event *realtime.InboundEvent) {
			a.logger.Debug("session updated", zap.Any("session", event.Object("session")))
		},
		OnRemoteTrack: func(track realtime.RemoteTrack) {
			a.logger.Info(
				"received remote track",
				zap.String("kind", track.Kind().String()),
				zap.String("codec", track.Codec().MimeType),
			)
			go tools.PlayRemoteAudio(a.ctx, a.logger, track, playbackBufferMs, playbackBufferSeconds)
		},
		OnError: func(err error) {
			msg := shared.Describe(err)
			if msg == "" {
				msg = err.Error()
			}
			a.printf(0, "❌ %s", msg)
		},
	}
}

func (a *CLIAgent) readCommands(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-a.done:
			return
		default:
		}
		if quit := a.execute(scanner.Text()); quit {
			if err := a.Close(); err != nil {
				a.logger.Error("closing CLI agent", err)
			}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading commands", err)
	}
}

// execute runs one command line and reports whether the agent should quit.
func (a *CLIAgent) execute(line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	var (
		cmd = strings.ToLower(fields[0])
		arg = strings.Join(fields[1:], " ")
		err error
	)
	switch cmd {
	case "quit", "exit":
		return true
	case "mic":
		err = a.client.ToggleMic(a.ctx)
		a.printf(0, "🎤 microphone on: %t", a.client.IsMicOn())
	case "mute":
		err = a.client.DisableMic(false)
		a.println("🔇 microphone muted", 0)
	case "cam":
		err = a.client.ToggleCamera(a.ctx)
		a.printf(0, "📷 camera on: %t", a.client.IsCameraOn())
	case "flip":
		err = a.client.FlipCamera(a.ctx)
		a.printf(0, "🔄 camera position: %s", a.client.CameraPosition())
	case "model":
		err = a.update(arg, realtime.ParamsUpdate{Model: realtime.Ptr(arg)})
	case "voice":
		err = a.update(arg, realtime.ParamsUpdate{Voice: realtime.Ptr(arg)})
	case "temp":
		var t float64
		if t, err = strconv.ParseFloat(arg, 64); err == nil {
			err = a.update(arg, realtime.ParamsUpdate{Temperature: realtime.Ptr(t)})
		}
	case "params":
		err = a.printParams()
	case "help":
		a.println(helpText, 0)
	default:
		a.printf(0, "unknown command %q, type help", cmd)
	}
	if err != nil {
		a.logger.Warn("command failed", zap.String("command", cmd), zap.Error(err))
		a.printf(0, "❌ %s: %v", cmd, err)
	}
	return false
}

func (a *CLIAgent) update(arg string, u realtime.ParamsUpdate) error {
	if arg == "" {
		return errors.New("missing value")
	}
	if err := a.client.UpdateParams(u); err != nil {
		return err
	}
	return a.printParams()
}

func (a *CLIAgent) printParams() error {
	yamlBytes, err := yaml.Marshal(a.client.Params())
	if err != nil {
		a.logger.Error("marshaling session parameters to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing session parameters", err)
		return err
	}
	return nil
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}

func (a *CLIAgent) printf(ind int, format string, args ...any) {
	if err := a.printer.Writef(ind, format, args...); err != nil {
		a.logger.Error("printing message", err)
	}
}

func (a *CLIAgent) finish() {
	a.doneOnce.Do(func() {
		a.cancel()
		close(a.done)
	})
}

// Done is closed once the session has ended.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Close ends the session. It is safe to call more than once.
func (a *CLIAgent) Close() error {
	if a.client == nil {
		a.finish()
		return nil
	}
	a.client.EndSession()
	a.finish()
	return nil
}

// Client exposes the underlying realtime client.
func (a *CLIAgent) Client() *realtime.Client {
	return a.client
}
