// Package osext keeps track of browser processes started by this server so
// they can be killed if the server has to shut down abruptly.
package osext

import (
	"os"
	"sync"

	"github.com/descoped/mcp-web-scraper/log"
)

var (
	processRegister   = map[string]int{} //nolint:gochecknoglobals
	processRegisterMu = sync.Mutex{}     //nolint:gochecknoglobals
)

// Register records the pid of the browser identified by id.
func Register(logger *log.Logger, id string, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("Process:register", "bid:%s pid:%d", id, pid)

	processRegister[id] = pid
}

// Unregister forgets the browser identified by id. It is called once the
// browser has been closed gracefully.
func Unregister(logger *log.Logger, id string) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	if _, ok := processRegister[id]; !ok {
		return
	}
	logger.Debugf("Process:unregister", "bid:%s", id)

	delete(processRegister, id)
}

// Registered returns the number of browser processes currently tracked.
func Registered() int {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	return len(processRegister)
}

// ForceProcessShutdown kills every registered browser process. It should
// only be called when the server is shutting down due to an internal error.
func ForceProcessShutdown() {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	for id, pid := range processRegister {
		Kill(pid)
		delete(processRegister, id)
	}
}

// Kill will look for and kill the process with the given pid. It is a
// variable so that tests can replace it and keep real processes alive.
var Kill = func(pid int) { //nolint:gochecknoglobals
	p, err := os.FindProcess(pid)
	if err != nil {
		// optimistically continue and don't kill the process
		return
	}
	// no need to check the error since we're already dying.
	_ = p.Release()
	_ = p.Kill()
}
