package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kstaniek/go-mcp2515-gateway/internal/mcp2515"
	"github.com/kstaniek/go-mcp2515-gateway/internal/spi"
)

const envPrefix = "CAN_GW_"

type appConfig struct {
	backend string
	mode    string

	// bit timing, datasheet units
	oscHz     uint
	prescaler uint
	propSeg   uint
	phaseSeg1 uint
	phaseSeg2 uint
	sjw       uint

	interrupts     string
	rxRollover     bool
	sendRetries    int
	sendRetryDelay time.Duration
	bulkIterations int
	txQueue        int
	txBatch        int
	txAttempts     uint
	txRetryDelay   time.Duration
	selftest       bool

	serialDev     string
	baud          int
	serialReadTO  time.Duration
	bridgeTimeout time.Duration

	spiDev string
	spiHz  int64
	csPin  string
	irqPin string

	mirrorIf string

	listenAddr      string
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string

	logFormat string
	logLevel  string
}

// parseConfig reads flags from args. Every flag not given on the command
// line may be supplied as CAN_GW_<NAME> (dashes become underscores). Usage
// and parse errors are written to out.
func parseConfig(args []string, lookupEnv func(string) (string, bool), out io.Writer) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs := flag.NewFlagSet("mcp2515-gw", flag.ContinueOnError)
	fs.SetOutput(out)
	d := mcp2515.DefaultTiming

	fs.StringVar(&cfg.backend, "backend", "sim", "Controller link: sim|spidev|serial")
	fs.StringVar(&cfg.mode, "mode", "normal", "Operating mode: normal|loopback|listen")
	fs.UintVar(&cfg.oscHz, "osc-hz", uint(d.OscillatorHz), "Controller oscillator frequency (Hz)")
	fs.UintVar(&cfg.prescaler, "brp", uint(d.Prescaler), "Baud rate prescaler (1..64)")
	fs.UintVar(&cfg.propSeg, "prop-seg", uint(d.PropSeg), "Propagation segment (1..8 TQ)")
	fs.UintVar(&cfg.phaseSeg1, "phase-seg1", uint(d.PhaseSeg1), "Phase segment 1 (1..8 TQ)")
	fs.UintVar(&cfg.phaseSeg2, "phase-seg2", uint(d.PhaseSeg2), "Phase segment 2 (1..8 TQ)")
	fs.UintVar(&cfg.sjw, "sjw", uint(d.SJW), "Synchronization jump width (1..4 TQ)")
	fs.StringVar(&cfg.interrupts, "interrupts", "tx,rx,err", "Enabled interrupt sources: comma list of tx|rx|err|all")
	fs.BoolVar(&cfg.rxRollover, "rx-rollover", true, "Let RXB0 roll over into RXB1 when full")
	fs.IntVar(&cfg.sendRetries, "send-retries", 255, "Polls for a free transmit buffer per send")
	fs.DurationVar(&cfg.sendRetryDelay, "send-retry-delay", 50*time.Microsecond, "Pause between buffer polls")
	fs.IntVar(&cfg.bulkIterations, "bulk-iterations", 500, "Status polls per bulk transfer before aborting")
	fs.IntVar(&cfg.txQueue, "tx-queue", 1024, "Messages queued for the controller before dropping")
	fs.IntVar(&cfg.txBatch, "tx-batch", 8, "Queued messages sent as one bulk transfer (1 disables)")
	fs.UintVar(&cfg.txAttempts, "tx-attempts", 3, "Attempts per message on busy/timeout")
	fs.DurationVar(&cfg.txRetryDelay, "tx-retry-delay", time.Millisecond, "Pause between send attempts")
	fs.BoolVar(&cfg.selftest, "selftest", false, "Send one demonstration frame after bring-up")

	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "UART of the SPI bridge (--backend=serial)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Bridge baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Bridge UART read timeout")
	fs.DurationVar(&cfg.bridgeTimeout, "bridge-timeout", 200*time.Millisecond, "Bridge response timeout")

	fs.StringVar(&cfg.spiDev, "spi", "/dev/spidev0.0", "SPI port (--backend=spidev)")
	fs.Int64Var(&cfg.spiHz, "spi-hz", 4_000_000, "SPI clock (Hz)")
	fs.StringVar(&cfg.csPin, "cs-pin", "GPIO8", "Chip-select GPIO")
	fs.StringVar(&cfg.irqPin, "irq-pin", "GPIO25", "Interrupt GPIO (INT, active low)")

	fs.StringVar(&cfg.mirrorIf, "mirror-if", "", "SocketCAN interface to mirror traffic to (empty disables)")

	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "TCP listen address")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (messages)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g. :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the TCP endpoint via mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default mcp2515-gw-<hostname>)")

	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if err := applyEnv(fs, lookupEnv); err != nil {
		return nil, *showVersion, err
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnv sets flags from the environment unless given explicitly. Empty
// values are ignored.
func applyEnv(fs *flag.FlagSet, lookupEnv func(string) (string, bool)) error {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || f.Name == "version" {
			return
		}
		v, ok := lookupEnv(envName(f.Name))
		if v = strings.TrimSpace(v); !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", envName(f.Name), err))
		}
	})
	return errors.Join(errs...)
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch strings.ToLower(c.logLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "sim", "spidev", "serial":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch m, err := mcp2515.ParseMode(c.mode); {
	case err != nil:
		return err
	case m != mcp2515.ModeNormal && m != mcp2515.ModeLoopback && m != mcp2515.ModeListenOnly:
		return fmt.Errorf("invalid mode: %s (use normal|loopback|listen)", c.mode)
	}
	if _, err := c.timing(); err != nil {
		return err
	}
	if _, err := parseInterrupts(c.interrupts); err != nil {
		return err
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	switch {
	case c.hubBuffer <= 0:
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	case c.txQueue <= 0:
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	case c.txBatch <= 0 || c.txBatch > c.txQueue:
		return fmt.Errorf("tx-batch must be in 1..tx-queue (got %d)", c.txBatch)
	case c.txAttempts == 0:
		return errors.New("tx-attempts must be > 0")
	case c.sendRetries < 0:
		return errors.New("send-retries must be >= 0")
	case c.bulkIterations <= 0:
		return errors.New("bulk-iterations must be > 0")
	case c.maxClients < 0:
		return errors.New("max-clients must be >= 0")
	case c.handshakeTO <= 0 || c.clientReadTO <= 0:
		return errors.New("handshake-timeout and client-read-timeout must be > 0")
	}
	switch c.backend {
	case "serial":
		if c.baud <= 0 || c.serialReadTO <= 0 || c.bridgeTimeout <= 0 {
			return errors.New("baud, serial-read-timeout and bridge-timeout must be > 0")
		}
	case "spidev":
		if c.spiHz <= 0 || c.spiHz > spi.MaxHz {
			return fmt.Errorf("spi-hz must be in 1..%d (got %d)", spi.MaxHz, c.spiHz)
		}
		if c.csPin == "" || c.irqPin == "" {
			return errors.New("cs-pin and irq-pin are required")
		}
	}
	return nil
}

func (c *appConfig) timing() (mcp2515.Timing, error) {
	for _, v := range []uint{c.prescaler, c.propSeg, c.phaseSeg1, c.phaseSeg2, c.sjw} {
		if v > 0xFF {
			return mcp2515.Timing{}, fmt.Errorf("%w: field value %d", mcp2515.ErrInvalidTiming, v)
		}
	}
	t := mcp2515.Timing{
		OscillatorHz: uint32(c.oscHz),
		Prescaler:    uint8(c.prescaler),
		PropSeg:      uint8(c.propSeg),
		PhaseSeg1:    uint8(c.phaseSeg1),
		PhaseSeg2:    uint8(c.phaseSeg2),
		SJW:          uint8(c.sjw),
	}
	return t, t.Validate()
}

func (c *appConfig) opMode() mcp2515.Mode {
	m, _ := mcp2515.ParseMode(c.mode)
	return m
}

func parseInterrupts(s string) (mcp2515.Interrupt, error) {
	var mask mcp2515.Interrupt
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "":
		case "tx":
			mask |= mcp2515.IntTX
		case "rx":
			mask |= mcp2515.IntRX
		case "err":
			mask |= mcp2515.IntErr
		case "all":
			mask |= mcp2515.IntAll
		default:
			return 0, fmt.Errorf("invalid interrupt source %q", part)
		}
	}
	return mask, nil
}
