package creds

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/turn/v4"
	"go.uber.org/zap"
)

// TURNConfig configures the embedded relay.
type TURNConfig struct {
	PublicIP string
	Port     int
	Realm    string
	// Secret must match the issuer's, so credentials minted over HTTP
	// authenticate here without any shared state.
	Secret string
}

// TURNServer is the embedded media relay for clients whose networks
// block direct paths. Authentication is the long-term credential
// mechanism over the issuer's shared secret.
type TURNServer struct {
	server *turn.Server
	port   int
	logger *zap.Logger
}

func StartTURNServer(ctx context.Context, cfg TURNConfig, logger *zap.Logger) (*TURNServer, error) {
	if net.ParseIP(cfg.PublicIP) == nil {
		return nil, fmt.Errorf("invalid TURN public IP %q", cfg.PublicIP)
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	listenerConfig := &net.ListenConfig{}
	conn, err := listenerConfig.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	relayAddressGenerator := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(cfg.PublicIP),
		Address:      "0.0.0.0",
		MinPort:      49152,
		MaxPort:      65535,
	}
	if err := relayAddressGenerator.Validate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("validate relay address generator: %w", err)
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm:       cfg.Realm,
		AuthHandler: turn.NewLongTermAuthHandler(cfg.Secret, nil),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn:            conn,
				RelayAddressGenerator: relayAddressGenerator,
			},
		},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create TURN server: %w", err)
	}

	logger.Info("TURN server listening",
		zap.String("addr", conn.LocalAddr().String()),
		zap.String("realm", cfg.Realm))

	return &TURNServer{server: server, port: cfg.Port, logger: logger.Named("turn")}, nil
}

// URIs returns the TURN URIs clients should be handed alongside
// credentials.
func (t *TURNServer) URIs(publicIP string) []string {
	return []string{
		fmt.Sprintf("turn:%s:%d?transport=udp", publicIP, t.port),
	}
}

func (t *TURNServer) Close() error {
	return t.server.Close()
}
