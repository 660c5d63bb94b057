package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cheggaaa/pb"
	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/backpack/backpack"
	"github.com/ndlib/backpack/config"
	"github.com/ndlib/backpack/repository"
	"github.com/ndlib/backpack/server"
)

// Exit codes
const (
	exitOK         = 0
	exitMalformed  = 1
	exitUsage      = 2
	exitConnection = 3
	exitVersion    = 4
)

var (
	configFile = flag.String("config", "", "TOML configuration file")
	usage      = `
backpack [-config file] <command> <command arguments>

Possible commands:
    create -in DIR -out FILE -data-version V [-force] [-algorithm md5] [-symlinks skip|follow|error]

    download -doi ID -out DIR [-no-check-version] [-version V] [-retries N] [-progress] [-cleanup] [-repo zenodo|s3]

    verify -dir DIR [-data-version V]

    acquire (-path DIR | -env NAME) [-verify] [-data-version V]

    publish -archive FILE -key KEY -data-version V

    serve -root DIR [-port 14001]

Exit status is 0 on success, 1 for a malformed backpack, 2 for a usage
error, 3 for a connection problem, and 4 for an unsupported format version.
`
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	os.Exit(run(flag.Args()))
}

// run executes one command and returns the exit status.
func run(args []string) int {
	if len(args) == 0 {
		flag.Usage()
		return exitUsage
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Println(err)
		return exitUsage
	}
	if cfg.SentryDSN != "" {
		raven.SetDSN(cfg.SentryDSN)
	}

	switch args[0] {
	case "create":
		err = docreate(cfg, args[1:])
	case "download":
		err = dodownload(cfg, args[1:])
	case "verify":
		err = doverify(args[1:])
	case "acquire":
		err = doacquire(args[1:])
	case "publish":
		err = dopublish(cfg, args[1:])
	case "serve":
		err = doserve(cfg, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", args[0])
		flag.Usage()
		return exitUsage
	}
	if err != nil {
		log.Println(err)
	}
	return exitCode(err)
}

// usageError marks bad command arguments.
type usageError struct {
	msg string
}

func (e usageError) Error() string { return e.msg }

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case backpack.IsVersion(err):
		return exitVersion
	case backpack.IsMalformed(err):
		return exitMalformed
	case backpack.IsConnection(err):
		return exitConnection
	}
	if _, ok := err.(usageError); ok || backpack.IsUsage(err) || err == flag.ErrHelp {
		return exitUsage
	}
	// anything else is treated as an integrity problem, e.g. a disk error
	return exitMalformed
}

func required(name, value string) error {
	if value == "" {
		return usageError{fmt.Sprintf("the -%s option is required", name)}
	}
	return nil
}

// versionFlag records whether a string flag was given at all, so that an
// empty data version can be distinguished from no version.
type versionFlag struct {
	value string
	set   bool
}

func (v *versionFlag) String() string { return v.value }

func (v *versionFlag) Set(s string) error {
	v.value = s
	v.set = true
	return nil
}

func (v *versionFlag) ptr() *string {
	if !v.set {
		return nil
	}
	return &v.value
}

func docreate(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	in := fs.String("in", "", "directory to package")
	out := fs.String("out", "", "archive to create; .tar.gz is appended if missing")
	dataVersion := fs.String("data-version", "", "version of the data")
	force := fs.Bool("force", false, "replace the archive if it exists")
	algorithm := fs.String("algorithm", cfg.Algorithm, "digest algorithm for payload files")
	symlinks := fs.String("symlinks", cfg.Symlinks, "what to do with symbolic links: skip, follow, or error")
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	if err := required("in", *in); err != nil {
		return err
	}
	if err := required("out", *out); err != nil {
		return err
	}
	policy, err := backpack.ParseSymlinkPolicy(*symlinks)
	if err != nil {
		return usageError{err.Error()}
	}
	c := backpack.Creator{
		Algorithm: *algorithm,
		Symlinks:  policy,
	}
	name, err := c.Create(*in, *out, *dataVersion, *force)
	if err != nil {
		return err
	}
	fmt.Println(name)
	return nil
}

func dodownload(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	doi := fs.String("doi", "", "DOI, record id, or s3:// location of the backpack")
	out := fs.String("out", "", "directory to download into")
	noCheck := fs.Bool("no-check-version", false, "do not compare the data version with the remote record")
	version := fs.String("version", "", "data version to download, if not the one the DOI refers to")
	retries := fs.Int("retries", cfg.Retries, "download attempts per file")
	progress := fs.Bool("progress", false, "show a progress bar")
	cleanup := fs.Bool("cleanup", cfg.CleanupOnFailure, "remove partial downloads on failure")
	repo := fs.String("repo", "zenodo", "repository type: zenodo or s3")
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	if err := required("doi", *doi); err != nil {
		return err
	}
	if err := required("out", *out); err != nil {
		return err
	}
	r, err := newRepository(*repo, *doi, cfg)
	if err != nil {
		return usageError{err.Error()}
	}
	d := backpack.Downloader{
		Repo:             r,
		Version:          *version,
		CleanupOnFailure: *cleanup,
	}
	if *progress {
		d.NewProgress = newProgressBar
	}
	bp, err := d.DownloadAndExtract(*out, *doi, !*noCheck, *retries)
	if err != nil {
		return err
	}
	fmt.Println(bp.BaseDirectory)
	return nil
}

func doverify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	dir := fs.String("dir", "", "extracted backpack folder")
	var dataVersion versionFlag
	fs.Var(&dataVersion, "data-version", "expected data version")
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	if err := required("dir", *dir); err != nil {
		return err
	}
	if err := backpack.VerifyDirectory(*dir, dataVersion.ptr()); err != nil {
		return err
	}
	fmt.Println("ok")
	return nil
}

func doacquire(args []string) error {
	fs := flag.NewFlagSet("acquire", flag.ContinueOnError)
	path := fs.String("path", "", "backpack folder")
	env := fs.String("env", "", "environment variable holding the backpack folder")
	verify := fs.Bool("verify", false, "verify every payload checksum")
	var dataVersion versionFlag
	fs.Var(&dataVersion, "data-version", "expected data version")
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	bp, err := backpack.Acquire(backpack.AcquireOptions{
		Path:            *path,
		EnvVar:          *env,
		VerifyChecksums: *verify,
		ExpectedVersion: dataVersion.ptr(),
	})
	if err != nil {
		return err
	}
	fmt.Println(bp.BaseDirectory)
	return nil
}

func dopublish(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	archive := fs.String("archive", "", "backpack archive to upload")
	key := fs.String("key", "", "record name to publish under")
	dataVersion := fs.String("data-version", "", "version of the data")
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	if err := required("archive", *archive); err != nil {
		return err
	}
	if err := required("key", *key); err != nil {
		return err
	}
	s, err := newS3("", cfg)
	if err != nil {
		return usageError{err.Error()}
	}
	name, err := s.Publish(*archive, *key, *dataVersion)
	if err != nil {
		return &backpack.ConnectionError{Msg: "publishing " + *archive, Err: err}
	}
	fmt.Printf("s3://%s/%s\n", s.Bucket, name)
	return nil
}

func doserve(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	root := fs.String("root", "", "directory of records to serve")
	port := fs.String("port", cfg.MirrorPort, "port to listen on")
	if err := fs.Parse(args); err != nil {
		return usageError{err.Error()}
	}
	if err := required("root", *root); err != nil {
		return err
	}
	m := &server.Mirror{
		Root:       *root,
		PortNumber: *port,
	}
	go signalHandler(m)
	return m.Run()
}

// signalHandler stops the mirror on SIGINT or SIGTERM, letting in-flight
// requests finish.
func signalHandler(m *server.Mirror) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	log.Printf("Received signal %s, stopping", sig)
	if err := m.Stop(); err != nil {
		log.Println(err)
	}
}

// progressBar adapts a pb.ProgressBar to io.WriteCloser.
type progressBar struct {
	*pb.ProgressBar
}

func (p progressBar) Close() error {
	p.Finish()
	return nil
}

func newProgressBar(f repository.File) io.WriteCloser {
	bar := pb.New64(f.Size).SetUnits(pb.U_BYTES)
	bar.Output = os.Stderr
	bar.Prefix(f.Key + " ")
	bar.Start()
	return progressBar{bar}
}
