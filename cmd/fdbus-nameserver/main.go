// Command fdbus-nameserver is a deliberately minimal, in-memory stand-in
// for the name server spec §4.8 describes: AllocServiceAddress hands back
// an ipc:// path derived from the service name, RegisterService records it
// and republishes a ServiceOnline broadcast, UnregisterService forgets it.
// It exists for local development and tests, not as a production name
// server (spec §1 Non-goals: "a full, persistent name-server daemon is out
// of scope"); real deployments run the external name server spec §3
// assumes. Grounded on _examples/adred-codev-ws_poc/ws/main.go's startup sequence.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adred-codev/fdbus"
	"github.com/adred-codev/fdbus/internal/logging"
)

func main() {
	logger := logging.New(logging.Config{Level: "info", Format: "json"})

	rt := fdbus.NewRuntime(logger)
	ep := fdbus.NewEndpoint(rt, "fdbus-nameserver", fdbus.RoleServer)
	ep.EnableEventCache()

	ns := &nameServer{}
	primary := ep.PrimaryObject()
	primary.OnRequest(fdbus.NsCodeAllocServiceAddress, nil, ns.handleAlloc)
	primary.OnRequest(fdbus.NsCodeRegisterService, nil, func(obj *fdbus.Object, session *fdbus.Session, msg *fdbus.Message) {
		ns.handleRegister(obj, session, msg)
	})
	primary.OnRequest(fdbus.NsCodeUnregisterService, nil, ns.handleUnregister)

	if err := ep.Bind(fdbus.DefaultNameServerURL); err != nil {
		logger.Fatal().Err(err).Msg("bind failed")
	}
	logger.Info().Str("addr", fdbus.DefaultNameServerURL).Msg("name server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ep.Quiesce()
	ep.Release()
}

// nameServer is the in-memory service -> address table.
type nameServer struct {
	mu       sync.Mutex
	next     int
	services map[string]string
}

func (ns *nameServer) handleAlloc(obj *fdbus.Object, session *fdbus.Session, msg *fdbus.Message) {
	service := string(msg.Payload)

	ns.mu.Lock()
	ns.next++
	addr := fmt.Sprintf("ipc:///tmp/fdbus-svc-%s-%d", service, ns.next)
	ns.mu.Unlock()

	session.Reply(msg, []byte(addr))
}

func (ns *nameServer) handleRegister(obj *fdbus.Object, session *fdbus.Session, msg *fdbus.Message) {
	service, addr, err := fdbus.DecodeNamePair(msg.Payload)
	if err != nil {
		session.ReplyStatus(msg, fdbus.StatusMsgDecodeFail)
		return
	}

	ns.mu.Lock()
	if ns.services == nil {
		ns.services = make(map[string]string)
	}
	ns.services[service] = addr
	ns.mu.Unlock()

	obj.Broadcast(fdbus.NsCodeServiceOnline, service, []byte(addr), true, false)
	session.Reply(msg, nil)
}

func (ns *nameServer) handleUnregister(obj *fdbus.Object, session *fdbus.Session, msg *fdbus.Message) {
	service := string(msg.Payload)
	ns.mu.Lock()
	delete(ns.services, service)
	ns.mu.Unlock()
	session.Reply(msg, nil)
}
