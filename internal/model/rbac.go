package model

import "time"

type Role struct {
	ID        string `gorm:"primaryKey;type:uuid"`
	Name      string `gorm:"uniqueIndex;not null"`
	System    bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (Role) TableName() string {
	return "roles"
}

type Permission struct {
	ID       string `gorm:"primaryKey;type:uuid"`
	Code     string `gorm:"uniqueIndex;not null"`
	Category string
}

func (Permission) TableName() string {
	return "permissions"
}

type RolePermission struct {
	RoleID       string `gorm:"primaryKey;type:uuid"`
	PermissionID string `gorm:"primaryKey;type:uuid"`
}

func (RolePermission) TableName() string {
	return "role_permissions"
}

type UserRole struct {
	UserID string `gorm:"primaryKey;type:uuid"`
	RoleID string `gorm:"primaryKey;type:uuid"`
}

func (UserRole) TableName() string {
	return "user_roles"
}
