// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

// Built-in slot task names
const (
	TaskHeartbeat          = "heartbeat"
	TaskSynchronizeModules = "synchronize_modules"
	TaskSafeCheckpoint     = "safe_checkpoint"
	TaskModuleSetup        = "module_setup"
	TaskFunctionalSafety   = "functional_safety"
	TaskCheckpointRecovery = "checkpoint_recovery"
)

// BuiltinTasks are registered on every module
var BuiltinTasks = []string{
	TaskHeartbeat,
	TaskSynchronizeModules,
	TaskSafeCheckpoint,
	TaskModuleSetup,
	TaskFunctionalSafety,
	TaskCheckpointRecovery,
}

// Default returns the stock five-module fleet. Drift threshold and retry
// budget are left unset and must be configured.
func Default() *Config {
	return &Config{
		Schedule: ScheduleConfig{
			SlotDurationMs:         700,
			Columns:                10,
			Rows:                   1,
			MaxSlotUsers:           0,
			GatePolicy:             "strict",
			SlotSemaphoreTimeoutMs: 0,
			StartupNotifyTimeoutMs: 0,
		},
		Clock: ClockConfig{
			TickMs:          1,
			TransferDelayMs: 5,
		},
		Sync: SyncConfig{
			JoinTimeoutMs:    30000,
			SignalTimeoutMs:  30000,
			InviteIntervalMs: 500,
		},
		Heartbeat: HeartbeatConfig{
			OnMs:          500,
			OffMs:         100,
			MissTolerance: 2,
		},
		Master: "m",
		Modules: []ModuleConfig{
			{
				Name: "m", Address: 0x10, Port: 1, Index: 1,
				Tasks: []TaskConfig{
					{Name: "request_data", WorkMs: 150},
					{Name: "decide_feedback", WorkMs: 200},
					{Name: "send_data", WorkMs: 150},
				},
				Table: []string{"-", "request_data", "request_data", "request_data", "decide_feedback", "send_data", "-", TaskHeartbeat, TaskSynchronizeModules, TaskSafeCheckpoint},
			},
			{
				Name: "c", Address: 0x20, Port: 2, Index: 2,
				Tasks: []TaskConfig{
					{Name: "compute_result", WorkMs: 200},
					{Name: "write_to_main", WorkMs: 100},
				},
				Table: []string{"compute_result", "write_to_main", "write_to_main", "write_to_main", "-", "-", "-", TaskHeartbeat, TaskSynchronizeModules, TaskSafeCheckpoint},
			},
			{
				Name: "v", Address: 0x30, Port: 3, Index: 3,
				Tasks: []TaskConfig{
					{Name: "compute_result", WorkMs: 200},
					{Name: "write_to_main", WorkMs: 100},
				},
				Table: []string{"compute_result", "write_to_main", "write_to_main", "write_to_main", "-", "-", "-", TaskHeartbeat, TaskSynchronizeModules, TaskSafeCheckpoint},
			},
			{
				Name: "u", Address: 0x40, Port: 4, Index: 4,
				Tasks: []TaskConfig{
					{Name: "relay_feedback", WorkMs: 150},
				},
				Table: []string{"-", "-", "-", "-", "-", "relay_feedback", "-", TaskHeartbeat, TaskSynchronizeModules, TaskSafeCheckpoint},
			},
			{
				Name: "b", Address: 0x50, Port: 5, Index: 5,
				Tasks: []TaskConfig{
					{Name: "sample_bus", WorkMs: 100},
				},
				Table: []string{"sample_bus", "sample_bus", "sample_bus", "sample_bus", "sample_bus", "sample_bus", "-", TaskHeartbeat, TaskSynchronizeModules, TaskSafeCheckpoint},
			},
		},
	}
}
