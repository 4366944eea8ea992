// Package models holds the GORM persistence models. Models map to domain
// types through ToDomain/FromDomain and never leak above the persistence
// layer.
package models
