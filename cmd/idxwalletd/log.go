// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
	"github.com/btcsuite/idxwallet/chain"
	"github.com/btcsuite/idxwallet/chain/esplora"
	"github.com/btcsuite/idxwallet/waddrmgr"
	"github.com/btcsuite/idxwallet/wallet"
	"github.com/jrick/logrotate/rotator"
)

// logWriter writes to standard output and, once initialized, to the write
// end of the log rotator pipe.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	_, _ = os.Stdout.Write(p)
	if logPipe != nil {
		_, _ = logPipe.Write(p)
	}

	return len(p), nil
}

// Loggers per subsystem. A single backend logger is created and every
// subsystem logger writes to it. A new subsystem needs a variable here and
// an entry in subsystemLoggers.
var (
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator and logPipe are set by initLogRotator and must be
	// closed on shutdown.
	logRotator *rotator.Rotator
	logPipe    *io.PipeWriter

	log      = backendLog.Logger("IWLD")
	walletLg = backendLog.Logger("WLLT")
	amgrLog  = backendLog.Logger("AMGR")
	chioLog  = backendLog.Logger("CHIO")
	esplLog  = backendLog.Logger("ESPL")
	wdbLog   = backendLog.Logger("WDB")
)

func init() {
	wallet.UseLogger(walletLg)
	wallet.UseStoreLogger(wdbLog)
	waddrmgr.UseLogger(amgrLog)
	chain.UseLogger(chioLog)
	esplora.UseLogger(esplLog)
}

// subsystemLoggers maps each subsystem identifier to its logger.
var subsystemLoggers = map[string]btclog.Logger{
	"IWLD": log,
	"WLLT": walletLg,
	"AMGR": amgrLog,
	"CHIO": chioLog,
	"ESPL": esplLog,
	"WDB":  wdbLog,
}

// initLogRotator starts a rotator writing to logFile, rolling files in the
// same directory once they reach maxSizeKB.
func initLogRotator(logFile string, maxSizeKB int64, maxFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, maxSizeKB, false, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		if err := r.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to run file "+
				"rotator: %v\n", err)
		}
	}()

	logRotator = r
	logPipe = pw

	return nil
}

// closeLogRotator flushes and closes the rotator.
func closeLogRotator() {
	if logPipe != nil {
		_ = logPipe.Close()
	}

	if logRotator != nil {
		_ = logRotator.Close()
	}
}

// setLogLevel sets the level of one subsystem. Unknown subsystems are
// ignored and invalid levels default to info.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets every subsystem to logLevel.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// supportedSubsystems returns the sorted subsystem identifiers.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	sort.Strings(subsystems)

	return subsystems
}

// parseAndSetDebugLevels parses a debug level string, either a single level
// for every subsystem or comma separated subsystem=level pairs, and applies
// it.
func parseAndSetDebugLevels(debugLevel string) error {
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", debugLevel)
		}

		setLogLevels(debugLevel)

		return nil
	}

	for _, pair := range strings.Split(debugLevel, ",") {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]", pair)
		}

		subsysID, logLevel := fields[0], fields[1]
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems %v", subsysID,
				supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel returns whether logLevel names a level.
func validLogLevel(logLevel string) bool {
	_, ok := btclog.LevelFromString(logLevel)
	return ok
}
