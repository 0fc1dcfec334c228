package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nyiyui/wgtree/config"
	"github.com/nyiyui/wgtree/emu"
	"github.com/nyiyui/wgtree/kernel"
	"github.com/nyiyui/wgtree/resolve"
	"github.com/nyiyui/wgtree/util"
	"github.com/nyiyui/wgtree/wg"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

type system interface {
	wg.System
	Close() error
}

var backend string
var emuPath string

const usage = `usage: wgtree [flags] <command> [args]

commands:
  genkey                     print a new private key
  pubkey                     read a private key from stdin, print its public key
  list                       print the names of all devices
  show [-private] [name...]  print devices as YAML
  create -name N [-genkey]   add a device
  remove -name N             delete a device
  apply -config F [-dry-run] create missing devices and apply a config file

flags:
`

func main() {
	// .env is optional
	_ = godotenv.Load()
	util.SetupLog()

	flag.StringVar(&backend, "backend", getEnv("WGTREE_BACKEND", "kernel"), "configuration system: kernel or emu")
	flag.StringVar(&emuPath, "emu-db", getEnv("WGTREE_EMU_DB", "wgtree.db"), "path to the emu database")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	switch cmd {
	case "genkey":
		fmt.Println(wg.GeneratePrivateKey())
		return
	case "pubkey":
		pubkey()
		return
	}

	sys, err := openSystem()
	if err != nil {
		zap.S().Fatalf("opening %s backend failed: %s", backend, err)
	}
	defer sys.Close()
	c := wg.NewClient(sys)

	switch cmd {
	case "list":
		err = list(c)
	case "show":
		err = show(c, args)
	case "create":
		err = create(c, args)
	case "remove":
		err = remove(c, args)
	case "apply":
		err = apply(c, args)
	default:
		flag.Usage()
		sys.Close()
		os.Exit(2)
	}
	if err != nil {
		sys.Close()
		zap.S().Fatalf("%s: %s", cmd, err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func openSystem() (system, error) {
	zap.S().Debugf("using %s backend.", backend)
	switch backend {
	case "kernel":
		return kernel.New()
	case "emu":
		return emu.Open(emuPath)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func pubkey() {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		zap.S().Fatalf("reading stdin failed: %s", err)
	}
	k, err := wg.ParseKey(strings.TrimSpace(string(data)))
	if err != nil {
		zap.S().Fatalf("parsing private key failed: %s", err)
	}
	fmt.Println(k.PublicKey())
}

func list(c *wg.Client) error {
	ds, err := c.All()
	if err != nil {
		return err
	}
	for _, d := range ds {
		fmt.Println(d.Name())
	}
	return nil
}

func show(c *wg.Client, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	private := fs.Bool("private", false, "include private keys")
	fs.Parse(args)

	var ds []*wg.Device
	if fs.NArg() == 0 {
		var err error
		ds, err = c.All()
		if err != nil {
			return err
		}
	}
	for _, name := range fs.Args() {
		d, err := c.Open(name)
		if err != nil {
			return err
		}
		ds = append(ds, d)
	}

	var f config.File
	for _, d := range ds {
		cd := config.FromDevice(d)
		if !*private {
			cd.PrivateKey = nil
		}
		f.Devices = append(f.Devices, cd)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return err
	}
	return enc.Close()
}

func create(c *wg.Client, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "device name")
	genkey := fs.Bool("genkey", false, "generate a private key")
	fs.Parse(args)

	var priv *wg.Key
	if *genkey {
		k := wg.GeneratePrivateKey()
		priv = &k
	}
	d, err := c.Create(*name, priv)
	if err != nil {
		return err
	}
	if err := d.Save(); err != nil {
		return err
	}
	zap.S().Infof("created %s.", *name)
	return nil
}

func remove(c *wg.Client, args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	name := fs.String("name", "", "device name")
	fs.Parse(args)

	if err := c.Remove(*name); err != nil {
		return err
	}
	zap.S().Infof("removed %s.", *name)
	return nil
}

func apply(c *wg.Client, args []string) error {
	fs := flag.NewFlagSet("apply", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (.yaml or .json)")
	resolvConf := fs.String("resolv-conf", "/etc/resolv.conf", "resolv.conf used to resolve peer endpoints")
	timeout := fs.Duration("timeout", 30*time.Second, "time limit for resolving endpoints")
	dryRun := fs.Bool("dry-run", false, "print changes without saving them")
	fs.Parse(args)

	f, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	var r config.EndpointResolver
	if rr, err := resolve.FromResolvConf(*resolvConf); err != nil {
		zap.S().Warnf("endpoint names will not be resolved: %s", err)
	} else {
		r = rr
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	for _, cd := range f.Devices {
		d, err := c.Open(cd.Name)
		if errors.Is(err, unix.ENODEV) {
			if *dryRun {
				fmt.Printf("%s: create\n", cd.Name)
				continue
			}
			zap.S().Infof("%s: not found; creating.", cd.Name)
			d, err = c.Create(cd.Name, nil)
		}
		if err != nil {
			return err
		}
		before := config.FromDevice(d)
		if err := cd.Apply(ctx, d, r); err != nil {
			return err
		}
		dd := config.Diff(before, config.FromDevice(d))
		if *dryRun {
			fmt.Print(dd)
			continue
		}
		if dd.Empty() {
			zap.S().Infof("%s: up to date.", cd.Name)
			continue
		}
		zap.S().Debugf("%s: changes:\n%s", cd.Name, dd)
		if err := d.Save(); err != nil {
			return err
		}
		zap.S().Infof("%s: applied.", cd.Name)
	}
	return nil
}
