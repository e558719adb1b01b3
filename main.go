package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yohamta/donburi/features/math"

	"github.com/won21kr/ApertusVR/config"
	"github.com/won21kr/ApertusVR/network"
	"github.com/won21kr/ApertusVR/shared/logging"
	"github.com/won21kr/ApertusVR/shared/protocol"
	"github.com/won21kr/ApertusVR/shared/scene"
)

// peer joins a session, mirrors its scene and optionally contributes a
// sphere of its own.
type peer struct {
	client   *network.Client
	log      *slog.Logger
	sphere   config.SphereConfig
	pulse    bool
	created  bool
	lastPing time.Time
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "peer:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML settings file")
	addr := flag.String("addr", "localhost:7373", "Host address")
	owner := flag.String("owner", "", "Owner id (empty = assigned by host)")
	name := flag.String("name", "peer", "Display name")
	sphere := flag.String("sphere", "", "Name of a sphere to create and own")
	radius := flag.Float64("radius", 1, "Radius of the owned sphere")
	parent := flag.String("parent", "", "Parent node of the owned sphere")
	material := flag.String("material", "", "Material of the owned sphere")
	pulse := flag.Bool("pulse", false, "Change the owned sphere's radius every second")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(settings.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	p := &peer{
		client: network.NewClient(logger),
		log:    logger.With("component", "peer"),
		sphere: config.SphereConfig{
			Name:       *sphere,
			Radius:     *radius,
			TileX:      1,
			TileY:      1,
			ParentNode: *parent,
			Material:   *material,
		},
		pulse: *pulse,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p.client.Connect(*addr, protocol.Version, *owner, *name)
	defer p.client.Disconnect()
	return p.run(ctx, settings.Session.TickRate)
}

func (p *peer) run(ctx context.Context, tickRate int) error {
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("leaving session")
			return nil
		case now := <-ticker.C:
			if p.client.State() == network.StateError {
				return p.client.LastError()
			}
			p.client.Update()
			p.contribute(now)
			for _, e := range p.client.DrainEvents() {
				p.log.Info("scene event", "subject", e.Subject, "type", e.Type.String())
			}
		}
	}
}

func (p *peer) contribute(now time.Time) {
	s := p.client.Scene()
	if s == nil || p.sphere.Name == "" {
		return
	}
	if !p.created {
		g, err := s.CreateSphereGeometry(p.sphere.Name, true, p.client.OwnerID())
		if err != nil {
			p.log.Error("create sphere", "name", p.sphere.Name, "error", err)
			p.sphere.Name = ""
			return
		}
		g.SetParameters(p.sphere.Radius, math.NewVec2(p.sphere.TileX, p.sphere.TileY))
		attach(g, p.sphere)
		p.created = true
		p.lastPing = now
		return
	}
	if !p.pulse || now.Sub(p.lastPing) < time.Second {
		return
	}
	p.lastPing = now
	if g, ok := s.SphereGeometry(p.sphere.Name); ok {
		params := g.Parameters()
		g.SetParameters(params.Radius*1.1, params.Tile)
	}
}

// attach points g at the configured parent node and material. Either may
// arrive from the host later.
func attach(g *scene.SphereGeometry, sc config.SphereConfig) {
	if sc.ParentNode != "" {
		g.SetParentNodeName(sc.ParentNode)
	}
	if sc.Material != "" {
		g.SetMaterialName(sc.Material)
	}
}
