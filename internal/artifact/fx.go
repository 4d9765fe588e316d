package artifact

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscal/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("artifact",
	fx.Provide(ProvideStore),
)

type Params struct {
	fx.In

	Cfg   config.Config
	DB    *gorm.DB
	GenID *snowflake.Node
	Log   *zap.Logger
}

func ProvideStore(p Params) Store {
	log := p.Log.Named("artifact")
	switch p.Cfg.Artifacts.Store {
	case config.ArtifactStoreDatabase:
		log.Info("artifact store selected", zap.String("store", config.ArtifactStoreDatabase))
		return NewDatabaseStore(p.DB, p.GenID, p.Cfg.Artifacts.BaseURL)
	default:
		log.Info("artifact store selected",
			zap.String("store", config.ArtifactStoreFilesystem),
			zap.String("dir", p.Cfg.Artifacts.Dir),
		)
		return NewFilesystemStore(p.Cfg.Artifacts.Dir, p.Cfg.Artifacts.BaseURL)
	}
}
