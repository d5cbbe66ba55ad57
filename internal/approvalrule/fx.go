package approvalrule

import (
	"github.com/sitebooks/sitebooks/internal/approvalrule/repository"
	"github.com/sitebooks/sitebooks/internal/approvalrule/service"
	"go.uber.org/fx"
)

var Module = fx.Module("approvalrule.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
