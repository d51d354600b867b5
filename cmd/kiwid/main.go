// Command kiwid is the composed kernel-core daemon: it wires the slab
// allocator, device tree, process/thread tree, IPC registry and POSIX
// compatibility service together into one running process and supervises
// their background loops until told to stop.
//
// Modeled on manager/main.go's boot sequence (config load, logger, start
// everything, block for a shutdown signal, stop everything) generalized
// from "supervise N external OS processes named in a config file" to
// "start this core's own components in dependency order" (SPEC_FULL §10.4).
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aejsmith/kiwi-core/pkg/devicetree"
	"github.com/aejsmith/kiwi-core/pkg/ipc"
	"github.com/aejsmith/kiwi-core/pkg/kconfig"
	"github.com/aejsmith/kiwi-core/pkg/klog"
	"github.com/aejsmith/kiwi-core/pkg/posix"
	"github.com/aejsmith/kiwi-core/pkg/proc"
)

const defConfigLoc = "/etc/kiwi/kiwid.cfg"

var cfgFlag = flag.String("config-override", "", "Override config file path")

func main() {
	flag.Parse()
	cfgFile := defConfigLoc
	if *cfgFlag != "" {
		cfgFile = *cfgFlag
	}

	cfg, err := kconfig.Load(cfgFile)
	if err != nil {
		log.Fatal("failed to load config ", cfgFile, ": ", err)
	}

	lg, err := cfg.Logger()
	if err != nil {
		log.Fatal("failed to open logger: ", err)
	}

	if err := run(cfg, lg); err != nil {
		lg.Error("kiwid exiting on error", klog.KVErr(err))
		os.Exit(1)
	}
}

// run wires the components in dependency order (slab arena -> device tree
// -> process/thread tree -> IPC registry -> POSIX service, SPEC_FULL §12),
// starts their background loops, and blocks until a shutdown signal arrives.
func run(cfg kconfig.Config, lg *klog.Logger) error {
	devtree := devicetree.New()

	tree := proc.NewTree()
	if err := tree.EnableMagazines(cfg.CPUCount); err != nil {
		return err
	}

	registry := ipc.NewRegistry(cfg.IPCQueueMax)

	owner := tree.CreateProcess("posix_service", nil, 0)
	ownerThread := tree.NewThread(owner, "main", 0)
	tree.Run(ownerThread)

	svc := posix.NewService(tree, registry, owner, lg)

	if err := publishPosixService(devtree, owner); err != nil {
		return err
	}

	sup := newSupervisor(lg,
		subsystem{name: "posix_service", serve: svc.Serve},
	)
	if err := sup.Start(); err != nil {
		return err
	}

	lg.Info("kiwid started", klog.KV("pid", os.Getpid()), klog.KV("posixPort", posix.ServiceName))

	sig := waitForQuit()
	lg.Info("received shutdown signal", klog.KV("signal", sig.String()))

	return sup.Stop()
}

// publishPosixService records the POSIX service's owning process under
// /services/posix_service in the device tree (spec §4.B "create"/"publish"),
// standing in for the service-discovery lookup pkg/posix's Service.ServiceLookup
// hook expects a real collaborator to provide.
func publishPosixService(devtree *devicetree.Tree, owner *proc.Process) error {
	services, err := devicetree.Create("services", devtree.Root, nil, nil, nil)
	if err != nil {
		return err
	}
	devicetree.Publish(services)

	node, err := devicetree.Create(posix.ServiceName, services, nil, nil, []devicetree.Attr{
		{Name: "pid", Type: devicetree.AttrInt32, Int: int64(owner.ID())},
	})
	if err != nil {
		return err
	}
	devicetree.Publish(node)
	return nil
}

// waitForQuit blocks until one of the usual shutdown signals arrives
// (utils.WaitForQuit, including its ineffective SIGKILL entry — kept for
// fidelity even though a process can never actually observe its own
// SIGKILL).
func waitForQuit() os.Signal {
	quitSig := make(chan os.Signal, 1)
	defer close(quitSig)
	signal.Notify(quitSig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGKILL, syscall.SIGTERM)
	return <-quitSig
}
