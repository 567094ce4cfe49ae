package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	apiclient "github.com/ntando/computer/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
	Email       string `json:"email,omitempty"`
}

var buildVersion = "dev"

// uploadable mirrors the server's extension allow-list so rejected files are skipped locally.
var uploadable = map[string]bool{
	".html": true, ".css": true, ".js": true, ".json": true, ".png": true,
	".jpg": true, ".jpeg": true, ".gif": true, ".svg": true, ".ico": true,
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "register":
		err = commandRegister(args)
	case "login":
		err = commandLogin(args)
	case "logout":
		err = commandLogout()
	case "whoami":
		err = commandWhoami()
	case "deploy":
		err = commandDeploy(args)
	case "projects":
		err = commandProjects()
	case "project":
		err = commandProject(args)
	case "status":
		err = commandStatus(args)
	case "watch":
		err = commandWatch(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func credentials(name string, args []string) (email, password, apiBase string, extra *string, err error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	emailFlag := fs.String("email", "", "Email address")
	passwordFlag := fs.String("password", "", "Password (supply to avoid prompt)")
	apiFlag := fs.String("api", "", "API base URL (default "+apiclient.DefaultBaseURL+")")
	var display *string
	if name == "register" {
		display = fs.String("name", "", "Display name")
	}
	fs.Parse(args)

	if strings.TrimSpace(*emailFlag) == "" {
		return "", "", "", nil, errors.New("--email is required")
	}
	secret := *passwordFlag
	if secret == "" {
		fmt.Print("Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return "", "", "", nil, fmt.Errorf("read password: %w", err)
		}
		secret = string(raw)
	}
	return strings.TrimSpace(*emailFlag), secret, strings.TrimSpace(*apiFlag), display, nil
}

func commandRegister(args []string) error {
	email, password, apiBase, name, err := credentials("register", args)
	if err != nil {
		return err
	}
	cfg, client, err := clientFor(apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	session, err := client.Register(ctx, email, password, *name)
	if err != nil {
		return err
	}
	return storeSession(cfg, session, "account created")
}

func commandLogin(args []string) error {
	email, password, apiBase, _, err := credentials("login", args)
	if err != nil {
		return err
	}
	cfg, client, err := clientFor(apiBase)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	session, err := client.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return storeSession(cfg, session, "login successful")
}

func storeSession(cfg cliConfig, session apiclient.Session, msg string) error {
	cfg.AccessToken = session.Token
	cfg.Email = session.User.Email
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("%s as %s\n", msg, session.User.Email)
	return nil
}

func commandLogout() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.AccessToken = ""
	cfg.Email = ""
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func commandWhoami() error {
	token, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	user, err := client.Me(ctx, token)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", user.ID, user.Email, user.Name)
	return nil
}

func commandDeploy(args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	name := fs.String("name", "", "Project name (defaults to the directory name)")
	description := fs.String("description", "", "Project description")
	watch := fs.Bool("watch", true, "Follow the deployment until it finishes")
	fs.Parse(args)

	dir := "."
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	files, err := collectFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no uploadable files found in %s", dir)
	}
	projectName := strings.TrimSpace(*name)
	if projectName == "" {
		if abs, err := filepath.Abs(dir); err == nil {
			projectName = filepath.Base(abs)
		}
	}

	token, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub, err := client.Deploy(ctx, token, apiclient.DeployInput{
		ProjectName: projectName,
		Description: *description,
		Files:       files,
	})
	if err != nil {
		return err
	}
	var total int64
	for _, f := range sub.Files {
		total += f.Size
	}
	fmt.Printf("%s\n", sub.Message)
	fmt.Printf("project %s deployment %s (%d files, %s)\n", sub.ProjectID, sub.DeploymentID, len(sub.Files), humanize.IBytes(uint64(total)))
	if sub.Degraded {
		fmt.Println("warning: registry degraded, records may not survive a restart")
	}
	if !*watch {
		return nil
	}
	return follow(ctx, client, token, sub.DeploymentID)
}

// collectFiles walks dir for uploadable files. Uploads are flat, so a later
// file whose base name repeats an earlier one is skipped.
func collectFiles(dir string) ([]apiclient.File, error) {
	seen := make(map[string]string)
	var files []apiclient.File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !uploadable[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		key := strings.ToLower(d.Name())
		if prev, ok := seen[key]; ok {
			fmt.Fprintf(os.Stderr, "skipping %s: name already used by %s\n", path, prev)
			return nil
		}
		seen[key] = path
		files = append(files, apiclient.File{Name: d.Name(), Path: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	// index.html first so it is the entry point even when siblings sort earlier.
	sort.SliceStable(files, func(i, j int) bool {
		return strings.EqualFold(files[i].Name, "index.html") && !strings.EqualFold(files[j].Name, "index.html")
	})
	return files, nil
}

func commandProjects() error {
	token, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	projects, err := client.Projects(ctx, token)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		fmt.Println("no projects yet")
		return nil
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Status, p.URL, humanize.Time(p.UpdatedAt))
	}
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: ntando project <project-id>")
	}
	token, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	detail, err := client.Project(ctx, token, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\nstatus: %s\n", detail.Name, detail.ID, detail.Status)
	if detail.URL != "" {
		fmt.Printf("url: %s\n", detail.URL)
	}
	for _, d := range detail.Deployments {
		fmt.Printf("  %s\t%s\t%d files\t%s\n", d.ID, d.Status, len(d.Files), humanize.Time(d.CreatedAt))
	}
	return nil
}

func commandStatus(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: ntando status <deployment-id>")
	}
	token, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	dep, err := client.Deployment(ctx, token, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", dep.ID, dep.Status, dep.Message)
	if dep.URL != "" {
		fmt.Printf("url: %s\n", dep.URL)
	}
	if dep.Error != "" {
		fmt.Printf("error: %s\n", dep.Error)
	}
	return nil
}

func commandWatch(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: ntando watch <deployment-id>")
	}
	token, client, err := authedClient()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return follow(ctx, client, token, args[0])
}

func follow(ctx context.Context, client *apiclient.Client, token, deploymentID string) error {
	final, err := client.Watch(ctx, token, deploymentID, func(ev apiclient.StatusEvent) {
		fmt.Printf("[%s] %s\t%s\n", ev.Timestamp.Local().Format(time.TimeOnly), ev.Status, ev.Message)
	})
	if err != nil {
		return err
	}
	if final.Status == "FAILED" {
		return fmt.Errorf("deployment failed: %s", final.Error)
	}
	fmt.Printf("live at %s\n", final.URL)
	return nil
}

func clientFor(apiBase string) (cliConfig, *apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, nil, err
	}
	if apiBase != "" {
		cfg.APIBaseURL = apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, client, nil
}

func authedClient() (string, *apiclient.Client, error) {
	cfg, client, err := clientFor("")
	if err != nil {
		return "", nil, err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return "", nil, errors.New("please login first using 'ntando login'")
	}
	return token, client, nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: envBaseURL()}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = envBaseURL()
	}
	return cfg, nil
}

func envBaseURL() string {
	if v := strings.TrimSpace(os.Getenv("NTANDO_API")); v != "" {
		return v
	}
	return apiclient.DefaultBaseURL
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "ntando", "config.json"), nil
}

func printUsage() {
	fmt.Printf("ntando CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	ntando register --email user@example.com [--name "Your Name"] [--password secret] [--api http://localhost:4000]
	ntando login --email user@example.com [--password secret] [--api http://localhost:4000]
	ntando logout
	ntando whoami
	ntando deploy [--name site] [--description text] [--watch=false] [dir]
	ntando projects
	ntando project <project-id>
	ntando status <deployment-id>
	ntando watch <deployment-id>
	ntando version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
