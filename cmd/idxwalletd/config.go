// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/idxwallet/unit"
	"github.com/btcsuite/idxwallet/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "idxwalletd.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "idxwalletd.log"
	defaultDBFilename     = "wallet.db"
	defaultMaxLogFileSize = 10 * 1024
	defaultMaxLogFiles    = 3
)

var (
	defaultAppDataDir = btcutil.AppDataDir("idxwalletd", false)
	defaultConfigFile = filepath.Join(
		defaultAppDataDir, defaultConfigFilename,
	)
	defaultLogDir = filepath.Join(defaultAppDataDir, defaultLogDirname)

	// defaultEsploraURLs are public Esplora instances per network.
	defaultEsploraURLs = map[string]string{
		chaincfg.MainNetParams.Name:  "https://blockstream.info/api",
		chaincfg.TestNet3Params.Name: "https://blockstream.info/testnet/api",
		chaincfg.SigNetParams.Name:   "https://mempool.space/signet/api",
	}
)

// config defines the configuration options for idxwalletd.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior.
	ConfigFile     string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir     string `short:"A" long:"appdata" description:"Application data directory for the wallet database and logs"`
	TestNet3       bool   `long:"testnet" description:"Use the test Bitcoin network (version 3)"`
	SigNet         bool   `long:"signet" description:"Use the signet test network"`
	RegTest        bool   `long:"regtest" description:"Use the regression test network"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFileSize int64  `long:"maxlogfilesize" description:"Maximum log file size in KiB before it is rotated"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum rotated log files to keep (0 keeps all)"`

	// Wallet creation and unlocking.
	Create         bool   `long:"create" description:"Create a new wallet from a fresh mnemonic if none exists"`
	Restore        bool   `long:"restore" description:"Restore a wallet from a mnemonic read from stdin if none exists"`
	BirthdayHeight uint32 `long:"birthdayheight" description:"Height to start discovery from when restoring"`
	Birthday       string `long:"birthday" description:"Date the restored seed was first used, as YYYY-MM-DD"`
	Unlock         bool   `long:"unlock" description:"Prompt for the wallet passphrase at start up and keep the wallet unlocked"`

	// Chain sources.
	EsploraURL  string `long:"esplora" description:"Base URL of the Esplora API (defaults to a public instance for the network)"`
	EsploraRate int    `long:"esplorarate" description:"Maximum Esplora requests per second (0 disables the limit)"`
	RPCConnect  string `long:"rpcconnect" description:"Optional host:port of a bitcoind or btcd node used to broadcast and estimate fees"`
	RPCUser     string `long:"rpcuser" description:"Username for the node RPC"`
	RPCPass     string `long:"rpcpass" default-mask:"-" description:"Password for the node RPC"`
	RPCCert     string `long:"rpccert" description:"File containing the node's certificate"`
	NoTLS       bool   `long:"notls" description:"Disable TLS for the node RPC connection"`
	ZMQBlock    string `long:"zmqpubhashblock" description:"Optional bitcoind ZMQ hashblock endpoint, for example tcp://127.0.0.1:28332"`

	// Wallet policy.
	GapLimit           uint32        `long:"gaplimit" description:"Number of consecutive unused addresses scanned past the last used one"`
	PollInterval       time.Duration `long:"pollinterval" description:"Time between two sync steps"`
	FeeTarget          uint32        `long:"feetarget" description:"Default confirmation target in blocks"`
	MaxFeeRate         int64         `long:"maxfeerate" description:"Highest fee rate in sat/kvB a build may pay"`
	MinChange          int64         `long:"minchange" description:"Smallest change output in satoshis"`
	ReservationTimeout time.Duration `long:"reservationtimeout" description:"How long the inputs of an unbroadcast build stay reserved"`
	AutoLock           time.Duration `long:"autolock" description:"Default unlock timeout"`

	chainParams *chaincfg.Params
	dbPath      string
	birthday    time.Time
}

// defaultConfig returns the config before any flag or file is applied.
func defaultConfig() config {
	policy := wallet.DefaultConfig()

	return config{
		ConfigFile:         defaultConfigFile,
		AppDataDir:         defaultAppDataDir,
		DebugLevel:         defaultLogLevel,
		LogDir:             defaultLogDir,
		MaxLogFileSize:     defaultMaxLogFileSize,
		MaxLogFiles:        defaultMaxLogFiles,
		EsploraRate:        10,
		GapLimit:           policy.GapLimit,
		PollInterval:       policy.PollInterval,
		FeeTarget:          policy.FeeTarget,
		MaxFeeRate:         int64(policy.MaxFeeRate),
		MinChange:          int64(policy.MinChangeValue),
		ReservationTimeout: policy.ReservationTimeout,
		AutoLock:           policy.AutoLockDuration,
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	if _, err := preParser.Parse(); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}

		return nil, err
	}

	configFilePath := preCfg.ConfigFile
	if configFilePath == defaultConfigFile &&
		preCfg.AppDataDir != defaultAppDataDir {

		configFilePath = filepath.Join(
			cleanAndExpandPath(preCfg.AppDataDir),
			defaultConfigFilename,
		)
	}
	configFilePath = cleanAndExpandPath(configFilePath)

	parser := flags.NewParser(&cfg, flags.Default)
	err := flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			parser.WriteHelp(os.Stderr)
			return nil, err
		}
	}

	// Command line options take precedence over the file.
	if _, err := parser.Parse(); err != nil {
		return nil, err
	}

	if err := cfg.resolve(); err != nil {
		parser.WriteHelp(os.Stderr)
		return nil, err
	}

	return &cfg, nil
}

// resolve checks the parsed options and derives the network, paths and
// birthday.
func (c *config) resolve() error {
	numNets := 0
	c.chainParams = &chaincfg.MainNetParams
	if c.TestNet3 {
		c.chainParams = &chaincfg.TestNet3Params
		numNets++
	}
	if c.SigNet {
		c.chainParams = &chaincfg.SigNetParams
		numNets++
	}
	if c.RegTest {
		c.chainParams = &chaincfg.RegressionNetParams
		numNets++
	}
	if numNets > 1 {
		return errors.New("the testnet, signet and regtest params " +
			"can't be used together -- choose one")
	}

	if c.Create && c.Restore {
		return errors.New("--create and --restore are exclusive")
	}

	c.AppDataDir = cleanAndExpandPath(c.AppDataDir)
	if c.LogDir == defaultLogDir {
		c.LogDir = filepath.Join(c.AppDataDir, defaultLogDirname)
	}
	c.LogDir = filepath.Join(cleanAndExpandPath(c.LogDir),
		c.chainParams.Name)

	netDir := filepath.Join(c.AppDataDir, c.chainParams.Name)
	if err := os.MkdirAll(netDir, 0700); err != nil {
		return fmt.Errorf("unable to create data dir: %w", err)
	}
	c.dbPath = filepath.Join(netDir, defaultDBFilename)

	if c.EsploraURL == "" {
		url, ok := defaultEsploraURLs[c.chainParams.Name]
		if !ok {
			return fmt.Errorf("--esplora is required on %s",
				c.chainParams.Name)
		}
		c.EsploraURL = url
	}

	if c.RPCCert != "" {
		c.RPCCert = cleanAndExpandPath(c.RPCCert)
	}

	if c.Birthday != "" {
		birthday, err := time.Parse(time.DateOnly, c.Birthday)
		if err != nil {
			return fmt.Errorf("invalid birthday %q: %w", c.Birthday,
				err)
		}
		c.birthday = birthday
	}

	return parseAndSetDebugLevels(c.DebugLevel)
}

// walletConfig returns the wallet policy part of the config. The caller
// fills in the chain sources.
func (c *config) walletConfig() wallet.Config {
	cfg := wallet.DefaultConfig()
	cfg.ChainParams = c.chainParams
	cfg.DBPath = c.dbPath
	cfg.GapLimit = c.GapLimit
	cfg.PollInterval = c.PollInterval
	cfg.FeeTarget = c.FeeTarget
	cfg.MaxFeeRate = unit.SatPerKVByte(c.MaxFeeRate)
	cfg.MinChangeValue = btcutil.Amount(c.MinChange)
	cfg.ReservationTimeout = c.ReservationTimeout
	cfg.AutoLockDuration = c.AutoLock

	return cfg
}

// cleanAndExpandPath expands environment variables and a leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	path = os.ExpandEnv(path)

	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	return filepath.Clean(path)
}
