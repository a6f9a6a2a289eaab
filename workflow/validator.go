package workflow

import "github.com/go-playground/validator/v10"

// validatorUtil 请求参数校验,validate tag见各Req结构体
var validatorUtil = validator.New()
