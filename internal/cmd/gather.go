package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rudransh-shrivastava/tincan/internal/config"
	"github.com/rudransh-shrivastava/tincan/internal/descriptor"
	"github.com/rudransh-shrivastava/tincan/internal/logger"
	"github.com/rudransh-shrivastava/tincan/internal/loop"
	"github.com/rudransh-shrivastava/tincan/internal/negotiation"
	"github.com/rudransh-shrivastava/tincan/internal/tunnel"
	"github.com/rudransh-shrivastava/tincan/internal/vlink"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/structpb"
)

const gatherRequestID = "gather"

// gather brings up a single unsecured link with no peer and waits for its
// local candidates.
func gather(ctx context.Context, log *logrus.Logger, path string) (string, error) {
	file, err := config.Load(path)
	if err != nil {
		return "", err
	}
	closer, err := logger.Configure(log, file.Logging)
	if err != nil {
		log.Warnf("Logging configuration rejected: %v", err)
	}
	defer closer.Close()

	if gatherDefaultStun {
		file.UseDefaultStun()
	}
	desc, err := file.Tunnel()
	if err != nil {
		return "", err
	}

	ready := make(chan string, 1)
	signal := loop.New("signal")
	defer signal.Stop()

	tnl, err := tunnel.New(tunnel.Options{
		Descriptor: desc,
		Signal:     signal,
		Events: vlink.ObserverFuncs{
			OnCandidatesReady: func(_, cas string) {
				select {
				case ready <- cas:
				default:
				}
			},
		},
		Logger: log,
	})
	if err != nil {
		return "", err
	}
	defer signal.Invoke(context.Background(), func() {
		if err := tnl.Close(); err != nil {
			log.Warnf("Closing tunnel: %v", err)
		}
	})

	doc, err := structpb.NewStruct(map[string]any{descriptor.FieldDTLSEnabled: false})
	if err != nil {
		return "", err
	}
	vd := descriptor.NewVlinkDescriptor(desc, file.LinkID, doc)
	peer := &descriptor.PeerDescriptor{UID: desc.NodeID}

	var setupErr error
	err = signal.Invoke(ctx, func() {
		var vl *vlink.VirtualLink
		vl, setupErr = tnl.CreateVlink(vd, peer, negotiation.RoleControlling)
		if setupErr != nil {
			return
		}
		if cas, ok := vl.RequestCandidates(gatherRequestID); ok {
			ready <- cas
			return
		}
		setupErr = vl.StartConnections()
	})
	if err != nil {
		return "", err
	}
	if setupErr != nil {
		return "", setupErr
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("gathering candidates"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case cas := <-ready:
			if cas == "" {
				return "", fmt.Errorf("no local candidates available on vlink: %s", vd.LinkID)
			}
			return cas, nil
		case <-ticker.C:
			bar.Add(1)
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for candidates: %w", ctx.Err())
		}
	}
}
