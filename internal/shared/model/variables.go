package model

// RouteVariable Agent 通过该运行时变量上报任务结果路由
const RouteVariable = "route"

// RouteFail 失败路由值
const RouteFail = "fail"

// redactedValue 敏感变量脱敏后的值
const redactedValue = "**"

// Variable 运行时变量
type Variable struct {
	Value     string `json:"value" bson:"value"`
	Sensitive bool   `json:"sensitive,omitempty" bson:"sensitive,omitempty"`
	Format    string `json:"format,omitempty" bson:"format,omitempty"`
}

// Variables 运行时变量表，作业默认值、任务实例值、步骤值共用
type Variables map[string]Variable

// Merge 返回合并后的新表，override 中的同名变量覆盖 v
func (v Variables) Merge(override Variables) Variables {
	out := make(Variables, len(v)+len(override))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range override {
		out[k] = val
	}
	return out
}

// Redacted 返回敏感值被遮盖的副本，用于日志和读接口
func (v Variables) Redacted() Variables {
	if v == nil {
		return nil
	}
	out := make(Variables, len(v))
	for k, val := range v {
		if val.Sensitive {
			val.Value = redactedValue
		}
		out[k] = val
	}
	return out
}

// Get 返回变量值，不存在时返回空串
func (v Variables) Get(name string) string {
	return v[name].Value
}
