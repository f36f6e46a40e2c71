package main

import (
	"flag"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/defaults"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/pruner"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/signals"
	"github.com/openshift/rhcos-aliyun-image-pruner/pkg/version"
)

func printVersion() {
	klog.Infof("RHCOS Aliyun Image Pruner Version: %s", version.Version)
	klog.Infof("Go Version: %s", runtime.Version())
	klog.Infof("Go OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
}

func main() {
	if err := newCommand().Execute(); err != nil {
		klog.Errorf("%v", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var cfg pruner.Config
	var debug bool

	cmd := &cobra.Command{
		Use:   "rhcos-aliyun-image-pruner RELEASE",
		Short: "Tag and prune stale RHCOS bootimages in an Alibaba Cloud account.",
		Long: `rhcos-aliyun-image-pruner classifies every Aliyun image ever produced for an
OCP release. Images referenced anywhere in the installer repository's
rhcos.json history are tagged bootimage:true and kept; images with no history
record are tagged bootimage:false, made private if needed, and deleted.
Progress is checkpointed so interrupted runs resume.

Credentials are read from ` + defaults.AccessKeyIDEnvName + ` and
` + defaults.AccessKeySecretEnvName + `.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
			klog.InitFlags(klogFlags)
			if debug {
				klogFlags.Set("v", "4")
			}

			printVersion()

			cfg.Release = args[0]
			p, err := pruner.New(cfg)
			if err != nil {
				return err
			}

			ctx := signals.SetupSignalContext()
			summary, err := p.Run(ctx)
			if err != nil {
				return err
			}
			// Recorded per-image failures are non-fatal by design; the
			// checkpoint carries them for the next run.
			if summary.Failed > 0 {
				klog.Warningf("%d images failed to reconcile, re-run to retry them", summary.Failed)
			}
			return nil
		},
	}

	if version.Version != "" {
		cmd.Version = version.Version
	}

	cmd.Flags().BoolVar(&cfg.DryRun, "dry-run", false, "log what would happen without mutating anything")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	cmd.Flags().StringVar(&cfg.CheckpointPath, "checkpoint-path", defaults.CheckpointPath, "path of the resumable progress record")
	cmd.Flags().IntVar(&cfg.Workers, "workers", defaults.Workers, "maximum concurrent remote calls")
	cmd.Flags().StringVar(&cfg.Region, "region", "", "restrict reconciliation to one region")
	cmd.Flags().StringVar(&cfg.InstallerRepo, "installer-repo", defaults.InstallerRepoURL, "installer repository carrying rhcos.json")
	cmd.Flags().StringVar(&cfg.RedirectorURL, "redirector-url", defaults.RedirectorURL, "RHCOS build browser base URL")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve prometheus metrics on this address during the run")

	return cmd
}
