// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/go-socks/socks"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/blockpulse/pulsd/logger"
	"github.com/blockpulse/pulsd/version"
)

const (
	defaultConfigFilename = "pulsd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "pulsd.log"

	// DefaultConnectTimeout is the default connection timeout when dialing
	DefaultConnectTimeout = time.Second * 30
)

var (
	// DefaultHomeDir is the default home directory for pulsd.
	DefaultHomeDir = btcutil.AppDataDir("pulsd", false)

	defaultConfigFile = filepath.Join(DefaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(DefaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(DefaultHomeDir, defaultLogDirname)
)

// Flags defines the configuration options for pulsd.
//
// See LoadConfig for details on the configuration load process.
type Flags struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	Connect     string `long:"connect" description:"Hostname/IP and port of the peer to synchronize from"`
	Proxy       string `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser   string `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass   string `long:"proxypass" default-mask:"-" description:"Password for proxy server"`
	TestNet     bool   `long:"testnet" description:"Use the test network"`
	RegTest     bool   `long:"regtest" description:"Use the regression test network"`
	SimNet      bool   `long:"simnet" description:"Use the simulation test network"`
}

// Config contains the parsed configuration for pulsd alongside the runtime
// values derived from it.
type Config struct {
	*Flags
	netParams *chaincfg.Params

	// Dial connects to the address on the named network. It is set to a
	// proxied dial function when a proxy is configured.
	Dial func(network, address string, timeout time.Duration) (net.Conn, error)
}

// NetParams returns the parameters of the network pulsd was configured to
// synchronize on.
func (cfg *Config) NetParams() *chaincfg.Params {
	return cfg.netParams
}

// cleanAndExpandPath expands environment variables and leading ~ in the passed
// path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(DefaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// normalizeAddress returns addr with the passed default port appended if there
// is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
// 	1) Start with a default config with sane settings
// 	2) Pre-parse the command line to check for an alternative config file
// 	3) Load configuration file overwriting defaults with any specified options
// 	4) Parse CLI options and overwrite/add any specified options
func LoadConfig() (*Config, error) {
	cfgFlags := Flags{
		ConfigFile: defaultConfigFile,
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfgFlags
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, err
	}

	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version.Version())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfgFlags, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "Error parsing config file: %s\n", err)
			return nil, err
		}
		// A missing config file is only an error when one was set
		// explicitly.
		if preCfg.ConfigFile != defaultConfigFile {
			return nil, errors.Errorf("config file %s does not exist", preCfg.ConfigFile)
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); !ok || flagsErr.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
		}
		return nil, err
	}

	cfg := &Config{Flags: &cfgFlags}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	cfg.netParams = &chaincfg.MainNetParams
	if cfg.TestNet {
		numNets++
		cfg.netParams = &chaincfg.TestNet3Params
	}
	if cfg.RegTest {
		numNets++
		cfg.netParams = &chaincfg.RegressionNetParams
	}
	if cfg.SimNet {
		numNets++
		cfg.netParams = &chaincfg.SimNetParams
	}
	if numNets > 1 {
		return nil, errors.New("the testnet, regtest and simnet options " +
			"may not be used together -- choose at most one")
	}

	// A peer to synchronize from is the whole point of running pulsd.
	if cfg.Connect == "" {
		return nil, errors.New("the --connect option must specify the " +
			"peer to synchronize from")
	}
	cfg.Connect = normalizeAddress(cfg.Connect, cfg.netParams.DefaultPort)

	// Append the network name to the data and log directories so they are
	// network specific.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.netParams.Name)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.netParams.Name)

	err = os.MkdirAll(cfg.DataDir, 0700)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %s", cfg.DataDir)
	}

	// Initialize log rotation. After the log rotation has been initialized,
	// the logger variables may be used.
	err = logger.InitLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	if err != nil {
		return nil, err
	}

	// Parse, validate, and set debug log level(s).
	err = logger.ParseAndSetDebugLevels(cfg.DebugLevel)
	if err != nil {
		parser.WriteHelp(os.Stderr)
		return nil, errors.Wrapf(err, "%s", appName)
	}

	// Setup dial function depending on the specified options. The default
	// is to use the standard net.DialTimeout function. When a proxy is
	// specified, the dial function is set to the proxy specific dial
	// function.
	cfg.Dial = net.DialTimeout
	if cfg.Proxy != "" {
		_, _, err := net.SplitHostPort(cfg.Proxy)
		if err != nil {
			return nil, errors.Errorf("proxy address '%s' is invalid: %s", cfg.Proxy, err)
		}

		proxy := &socks.Proxy{
			Addr:     cfg.Proxy,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}
		cfg.Dial = proxy.DialTimeout
	}

	return cfg, nil
}
