package wallet

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// geth's keystore watcher has no Close and blocks inside a syscall,
		// so readEvents is not always the top frame
		goleak.IgnoreTopFunction("github.com/ethereum/go-ethereum/accounts/keystore.(*watcher).loop"),
		goleak.IgnoreAnyFunction("github.com/fsnotify/fsnotify.(*Watcher).readEvents"),
		// the keyring's secret-service backend keeps a D-Bus reader running
		goleak.IgnoreTopFunction("github.com/godbus/dbus.(*Conn).inWorker"),
	)
}
