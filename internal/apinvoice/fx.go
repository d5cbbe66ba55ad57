package apinvoice

import (
	"github.com/sitebooks/sitebooks/internal/apinvoice/repository"
	"github.com/sitebooks/sitebooks/internal/apinvoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apinvoice",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
