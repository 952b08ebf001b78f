package engine

import (
	"fmt"

	"conduit/internal/api"
	"conduit/internal/channel"
	"conduit/internal/config"
	"conduit/internal/connector"
)

// buildSource constructs the source connector named by the config. The
// config is already validated; an unknown type here is a programming error
// surfaced as ConfigError anyway.
func (e *Engine) buildSource(cfg *config.Channel) (connector.Source, error) {
	src := cfg.Source
	switch src.Type {
	case config.TypeTCP:
		if src.TCP == nil {
			return nil, configError(cfg.ID, "source.tcp", "missing tcp listener settings")
		}
		return connector.NewTCPListener(src.Name, *src.TCP, src.ResponseMode)
	case config.TypeHTTP:
		if src.HTTP == nil {
			return nil, configError(cfg.ID, "source.http", "missing http listener settings")
		}
		return connector.NewHTTPListener(src.Name, *src.HTTP), nil
	case config.TypeVM:
		return connector.NewChannelReader(src.Name), nil
	default:
		return nil, configError(cfg.ID, "source.type", fmt.Sprintf("unsupported source type %q", src.Type))
	}
}

// buildDestinations constructs the chain in declaration order; metadata ids
// are assigned 1..n.
func (e *Engine) buildDestinations(cfg *config.Channel) ([]*channel.Destination, error) {
	out := make([]*channel.Destination, 0, len(cfg.Destinations))
	for i, destCfg := range cfg.Destinations {
		metadataID := i + 1
		conn, err := e.buildDestination(cfg.ID, destCfg)
		if err != nil {
			return nil, err
		}
		out = append(out, &channel.Destination{
			MetadataID: metadataID,
			Config:     destCfg,
			Connector:  conn,
		})
	}
	return out, nil
}

func (e *Engine) buildDestination(channelID string, cfg config.Destination) (connector.Destination, error) {
	switch cfg.Type {
	case config.TypeTCP:
		if cfg.TCP == nil {
			return nil, configError(channelID, "destination.tcp", "missing tcp sender settings")
		}
		return connector.NewTCPSender(cfg.Name, *cfg.TCP)
	case config.TypeHTTP:
		if cfg.HTTP == nil {
			return nil, configError(channelID, "destination.http", "missing http sender settings")
		}
		return connector.NewHTTPSender(cfg.Name, *cfg.HTTP), nil
	case config.TypeFile:
		if cfg.File == nil {
			return nil, configError(channelID, "destination.file", "missing file writer settings")
		}
		return connector.NewFileWriter(cfg.Name, cfg.File.Directory, cfg.File.FileName, cfg.File.Append), nil
	case config.TypeDatabase:
		if cfg.Database == nil {
			return nil, configError(channelID, "destination.database", "missing database writer settings")
		}
		return connector.NewDatabaseWriter(cfg.Name, *cfg.Database), nil
	case config.TypeVM:
		if cfg.VM == nil {
			return nil, configError(channelID, "destination.vm", "missing vm writer settings")
		}
		return connector.NewChannelWriter(cfg.Name, cfg.VM.TargetChannelID, cfg.VM.Template, e), nil
	default:
		return nil, configError(channelID, "destination.type", fmt.Sprintf("unsupported destination type %q", cfg.Type))
	}
}

func configError(channelID, field, reason string) error {
	return &api.ConfigError{
		ChannelID: channelID,
		Fields:    []api.FieldError{{Field: field, Reason: reason}},
	}
}
