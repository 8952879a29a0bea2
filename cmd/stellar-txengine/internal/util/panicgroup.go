package util

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellar/go/support/log"
)

var UnrecoverablePanicGroup = panicGroup{
	logPanicsToStdErr: true,
	exitProcess:       true,
}

var RecoverablePanicGroup = panicGroup{
	logPanicsToStdErr: true,
	exitProcess:       false,
}

type panicGroup struct {
	log               *log.Entry
	logPanicsToStdErr bool
	exitProcess       bool
	panicsCounter     prometheus.Counter
}

func (pg *panicGroup) Log(log *log.Entry) *panicGroup {
	return &panicGroup{
		log:               log,
		logPanicsToStdErr: pg.logPanicsToStdErr,
		exitProcess:       pg.exitProcess,
		panicsCounter:     pg.panicsCounter,
	}
}

func (pg *panicGroup) Counter(counter prometheus.Counter) *panicGroup {
	return &panicGroup{
		log:               pg.log,
		logPanicsToStdErr: pg.logPanicsToStdErr,
		exitProcess:       pg.exitProcess,
		panicsCounter:     counter,
	}
}

// Go spins a goroutine running fn. A panic in fn is logged with its call
// stack and, for the unrecoverable group, terminates the process.
func (pg *panicGroup) Go(fn func()) {
	go func() {
		defer pg.recoverRoutine(fn)
		fn()
	}()
}

func (pg *panicGroup) recoverRoutine(fn func()) {
	recoverRes := recover()
	if recoverRes == nil {
		return
	}
	var cs []string
	if pg.log != nil {
		cs = getPanicCallStack(recoverRes, fn)
		for _, line := range cs {
			pg.log.Warn(line)
		}
	}
	if pg.logPanicsToStdErr {
		if len(cs) == 0 {
			cs = getPanicCallStack(recoverRes, fn)
		}
		for _, line := range cs {
			fmt.Fprintln(os.Stderr, line)
		}
	}

	if pg.panicsCounter != nil {
		pg.panicsCounter.Inc()
	}
	if pg.exitProcess {
		os.Exit(1)
	}
}

func getPanicCallStack(recoverRes any, fn func()) (outCallStack []string) {
	outCallStack = append(outCallStack, fmt.Sprintf("panicing root function '%T'", fn))
	outCallStack = append(outCallStack, fmt.Sprintf("panic value: %v", recoverRes))
	for _, line := range strings.Split(string(debug.Stack()), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			outCallStack = append(outCallStack, line)
		}
	}
	return outCallStack
}
