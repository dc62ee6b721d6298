package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/guseggert/rbridge/agent"
	"github.com/guseggert/rbridge/bridge"
	"github.com/guseggert/rbridge/interp/dockerinterp"
)

func main() {
	app := &cli.App{
		Name:  "rbridge",
		Usage: "invoke R functions from a long-running R process",
		Commands: []*cli.Command{
			invokeCommand(),
			agentCommand(),
			genCertsCommand(),
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func invokeCommand() *cli.Command {
	return &cli.Command{
		Name:  "invoke",
		Usage: "start an R process, call the function once with the given input, and print the result",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "executable",
				Usage: "Path of the R executable.",
				Value: bridge.DefaultExecutable,
			},
			&cli.StringSliceFlag{
				Name:  "library",
				Usage: "R library to load before calling, may be repeated.",
			},
			&cli.StringFlag{
				Name:     "function",
				Usage:    "Name of the R function to invoke.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "init-script",
				Usage: "Name of an init script; '<name>.R' is located by searching up from the working directory.",
			},
			&cli.StringFlag{
				Name:  "input",
				Usage: "The input values, as a JSON array.",
				Value: "[]",
			},
			&cli.DurationFlag{
				Name:  "max-wait",
				Usage: "Maximum time to wait for the response. Zero waits indefinitely.",
			},
			&cli.BoolFlag{
				Name:  "docker",
				Usage: "Run the R process in a Docker container instead of locally.",
			},
			&cli.StringFlag{
				Name:  "docker-image",
				Usage: "The container image to use with --docker.",
				Value: "r-base",
			},
		},
		Action: func(ctx *cli.Context) error {
			var input []interface{}
			if err := json.Unmarshal([]byte(ctx.String("input")), &input); err != nil {
				return fmt.Errorf("parsing input: %w", err)
			}

			cfg := bridge.Config{
				Executable: ctx.String("executable"),
				Libraries:  ctx.StringSlice("library"),
				Function:   ctx.String("function"),
			}
			if name := ctx.String("init-script"); name != "" {
				initCode, err := bridge.NamedInitCode(name)
				if err != nil {
					return err
				}
				cfg.InitCode = initCode
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			opts := []bridge.Option{bridge.WithLogger(logger)}
			if d := ctx.Duration("max-wait"); d > 0 {
				opts = append(opts, bridge.WithMaxWait(d))
			}
			if ctx.Bool("docker") {
				opts = append(opts, bridge.WithStarter(dockerinterp.Starter(dockerinterp.Config{
					Log:        logger.Sugar(),
					Image:      ctx.String("docker-image"),
					Executable: "R",
				})))
			}

			b, err := bridge.New(cfg, opts...)
			if err != nil {
				return err
			}
			defer b.Cleanup()

			if err := b.Prepare(ctx.Context); err != nil {
				return err
			}
			vals, err := b.Invoke(ctx.Context, input)
			if err != nil {
				return err
			}
			if vals == nil {
				fmt.Println("no result")
				return nil
			}
			out, err := json.Marshal(vals)
			if err != nil {
				return fmt.Errorf("encoding result: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func agentCommand() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "serve an R function bridge over mTLS HTTPS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [exit,none].",
				Value: "none",
			},
			&cli.StringFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before shutting down.",
				Value: "1m",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTPS server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.StringFlag{
				Name:     "ca-cert-pem",
				Usage:    "The CA cert PEM bytes to use (base64-encoded).",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "cert-pem",
				Usage:    "The cert PEM bytes to use (base64-encoded).",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "key-pem",
				Usage:    "The key PEM bytes to use (base64-encoded).",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "scripts-dir",
				Usage: "Directory for uploaded R init scripts.",
				Value: os.TempDir(),
			},
			&cli.StringFlag{
				Name:  "executable",
				Usage: "Path of the R executable.",
				Value: bridge.DefaultExecutable,
			},
			&cli.StringSliceFlag{
				Name:  "library",
				Usage: "R library to load, may be repeated.",
			},
			&cli.StringFlag{
				Name:     "function",
				Usage:    "Name of the R function the agent serves.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "init-script",
				Usage: "Name of an uploaded init script to run when the R process starts.",
			},
		},
		Action: func(ctx *cli.Context) error {
			heartbeatTimeout, err := time.ParseDuration(ctx.String("heartbeat-timeout"))
			if err != nil {
				return fmt.Errorf("parsing heartbeat timeout: %w", err)
			}

			caCertPEM, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding CA cert PEM: %w", err)
			}
			certPEM, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding cert PEM: %w", err)
			}
			keyPEM, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
			if err != nil {
				return fmt.Errorf("decoding key PEM: %w", err)
			}

			var heartbeatFailureHandler func()
			switch ctx.String("on-heartbeat-failure") {
			case "exit":
				heartbeatFailureHandler = agent.HeartbeatFailureExit
			case "none":
				// nothing
			default:
				return fmt.Errorf("unknown heartbeat failure action %q", ctx.String("on-heartbeat-failure"))
			}

			a, err := agent.NewBridgeAgent(
				agent.BridgeConfig{
					Executable: ctx.String("executable"),
					Libraries:  ctx.StringSlice("library"),
					Function:   ctx.String("function"),
					InitScript: ctx.String("init-script"),
				},
				caCertPEM,
				certPEM,
				keyPEM,
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithHeartbeatTimeout(heartbeatTimeout),
				agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
				agent.WithScriptsDir(ctx.String("scripts-dir")),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}
			return a.Run()
		},
	}
}

func genCertsCommand() *cli.Command {
	return &cli.Command{
		Name:  "gen-certs",
		Usage: "generate the mTLS CA, server, and client certs for an agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out-dir",
				Usage: "Directory to write the PEM files to.",
				Value: ".",
			},
		},
		Action: func(ctx *cli.Context) error {
			certs, err := agent.GenerateCerts()
			if err != nil {
				return fmt.Errorf("generating certs: %w", err)
			}
			dir := ctx.String("out-dir")
			for name, b := range map[string][]byte{
				"ca-cert.pem":     certs.CA.CertPEMBytes,
				"ca-key.pem":      certs.CA.KeyPEMBytes,
				"server-cert.pem": certs.Server.CertPEMBytes,
				"server-key.pem":  certs.Server.KeyPEMBytes,
				"client-cert.pem": certs.Client.CertPEMBytes,
				"client-key.pem":  certs.Client.KeyPEMBytes,
			} {
				if err := os.WriteFile(filepath.Join(dir, name), b, 0o600); err != nil {
					return fmt.Errorf("writing %s: %w", name, err)
				}
			}
			return nil
		},
	}
}
